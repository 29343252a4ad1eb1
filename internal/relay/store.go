package relay

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omochice/matcha-sync/pkg/protocol"
)

// User is an account known to the relay.
type User struct {
	ID        protocol.UserID
	Token     string
	Firstname string
	Verified  bool
}

type storedMessage struct {
	ID       protocol.MessageID
	SenderID protocol.UserID
	Body     string
	SentAt   time.Time
}

type conversation struct {
	participants []protocol.UserID
	messages     []storedMessage
}

// ReadRecord is one mark-read request received from a user.
type ReadRecord struct {
	UserID protocol.UserID
	Target protocol.ReadTarget
}

// store is the relay's in-memory state.
type store struct {
	mu      sync.Mutex
	users   map[string]User
	convs   map[protocol.ConversationID]*conversation
	nextMsg protocol.MessageID
	reads   []ReadRecord
}

func newStore() *store {
	return &store{
		users: make(map[string]User),
		convs: make(map[protocol.ConversationID]*conversation),
	}
}

func (s *store) addUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Token] = u
}

func (s *store) userByToken(token string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[token]
	return u, ok && token != ""
}

func (s *store) addConversation(id protocol.ConversationID, participants ...protocol.UserID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[id] = &conversation{participants: participants}
}

// participants returns the members of conv if user is one of them.
func (s *store) participants(conv protocol.ConversationID, user protocol.UserID) ([]protocol.UserID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conv]
	if !ok {
		return nil, false
	}
	for _, p := range c.participants {
		if p == user {
			return append([]protocol.UserID(nil), c.participants...), true
		}
	}
	return nil, false
}

func (s *store) history(conv protocol.ConversationID) []storedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conv]
	if !ok {
		return nil
	}
	return append([]storedMessage(nil), c.messages...)
}

func (s *store) appendMessage(conv protocol.ConversationID, sender protocol.UserID, body string, now time.Time) (storedMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conv]
	if !ok {
		return storedMessage{}, false
	}
	s.nextMsg++
	m := storedMessage{ID: s.nextMsg, SenderID: sender, Body: body, SentAt: now}
	c.messages = append(c.messages, m)
	return m, true
}

func (s *store) recordRead(r ReadRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, r)
}

func (s *store) readsOf(user protocol.UserID) []ReadRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []ReadRecord
	for _, r := range s.reads {
		if r.UserID == user {
			out = append(out, r)
		}
	}
	return out
}

// mayJoin admits a user to their own identity room and to conversations
// they take part in.
func (s *store) mayJoin(user protocol.UserID, room string) bool {
	if room == protocol.UserRoom(user) {
		return true
	}
	rest, ok := strings.CutPrefix(room, "conversation_")
	if !ok {
		return false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return false
	}
	_, ok = s.participants(protocol.ConversationID(id), user)
	return ok
}
