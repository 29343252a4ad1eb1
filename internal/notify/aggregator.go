// Package notify turns pushed events into per-category unread state.
package notify

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/matcha-sync/internal/eventloop"
	"github.com/omochice/matcha-sync/internal/observe"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/rs/zerolog"
)

// Remote tells the remote service what has been read.
type Remote interface {
	MarkRead(ctx context.Context, target protocol.ReadTarget) error
}

// Rooms is the room membership side of the connection manager.
type Rooms interface {
	JoinRoom(room string)
	LeaveRoom(room string)
}

type Options struct {
	// RequestTimeout bounds each fire-and-forget mark-read request.
	RequestTimeout time.Duration
}

// Aggregator owns the stored notifications and the active conversation.
// It must only be used from the event loop.
type Aggregator struct {
	sched  eventloop.Scheduler
	remote Remote
	rooms  Rooms
	self   protocol.UserID
	opts   Options
	log    zerolog.Logger

	items []protocol.Notification
	// synthesized holds ids minted locally; the service does not know them.
	synthesized map[string]struct{}
	active      protocol.ConversationID
	changes     observe.Registry[struct{}]
}

func New(sched eventloop.Scheduler, remote Remote, rooms Rooms, self protocol.UserID, opts Options, log zerolog.Logger) *Aggregator {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Aggregator{
		sched:       sched,
		remote:      remote,
		rooms:       rooms,
		self:        self,
		opts:        opts,
		log:         log.With().Str("component", "notify").Logger(),
		synthesized: make(map[string]struct{}),
	}
}

// OnEvent applies one pushed frame. Frames that are not notification
// related are ignored; malformed payloads are logged and dropped.
func (a *Aggregator) OnEvent(f protocol.Frame) {
	switch f.Event {
	case protocol.EventNewNotification:
		n, _, err := protocol.NotificationFromWire(f.Data, a.sched.Now())
		if err != nil {
			a.log.Warn().Err(err).Msg("Dropping notification frame")
			return
		}
		a.add(n)

	case protocol.EventBroadcastNotification:
		n, target, err := protocol.NotificationFromWire(f.Data, a.sched.Now())
		if err != nil {
			a.log.Warn().Err(err).Msg("Dropping broadcast notification frame")
			return
		}
		if target != a.self {
			a.log.Debug().Int64("target_user_id", int64(target)).Msg("Ignoring broadcast for another user")
			return
		}
		a.add(n)

	case protocol.EventNewMessage:
		msg, err := protocol.MessageFromWire(f.Data)
		if err != nil {
			a.log.Warn().Err(err).Msg("Dropping message frame")
			return
		}
		a.OnMessage(msg)

	case protocol.EventNotificationRead:
		id, err := protocol.NotificationIDFromWire(f.Data)
		if err != nil {
			a.log.Warn().Err(err).Msg("Dropping notification_read frame")
			return
		}
		a.flip(func(n protocol.Notification) bool { return n.ID == id })

	case protocol.EventNotificationTypeRead:
		c, err := protocol.CategoryFromWire(f.Data)
		if err != nil {
			a.log.Warn().Err(err).Msg("Dropping notification_type_read frame")
			return
		}
		a.flip(func(n protocol.Notification) bool { return n.Category == c })

	case protocol.EventAllNotificationsRead:
		a.flip(func(protocol.Notification) bool { return true })
	}
}

// OnMessage accounts for a confirmed message. Messages sent by the session
// user never notify.
func (a *Aggregator) OnMessage(msg protocol.Message) {
	if msg.SenderID == a.self {
		return
	}
	n := protocol.Notification{
		Category:       protocol.CategoryMessage,
		CreatedAt:      msg.SentAt,
		ConversationID: msg.ConversationID,
		ActorID:        msg.SenderID,
		Text:           msg.Body,
	}
	if msg.ID != 0 {
		n.ID = "message-" + strconv.FormatInt(int64(msg.ID), 10)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = a.sched.Now()
	}
	if a.add(n) {
		a.synthesized[a.items[len(a.items)-1].ID] = struct{}{}
	}
}

// add stores n unless it is suppressed or its id is already stored.
func (a *Aggregator) add(n protocol.Notification) bool {
	if a.suppressed(n) {
		a.log.Debug().Int64("conversation_id", int64(n.ConversationID)).Msg("Suppressing notification for active conversation")
		return false
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
		a.synthesized[n.ID] = struct{}{}
	}
	if a.index(n.ID) >= 0 {
		a.log.Debug().Str("id", n.ID).Msg("Dropping duplicate notification")
		return false
	}
	a.items = append(a.items, n)
	a.changes.Emit(struct{}{})
	return true
}

// suppressed reports whether n is a message notification for the
// conversation the user is looking at.
func (a *Aggregator) suppressed(n protocol.Notification) bool {
	return n.Category == protocol.CategoryMessage &&
		a.active != protocol.NoConversation &&
		n.ConversationID == a.active
}

func (a *Aggregator) index(id string) int {
	for i := range a.items {
		if a.items[i].ID == id {
			return i
		}
	}
	return -1
}

// flip marks every unread notification matching pred read and reports
// whether anything changed.
func (a *Aggregator) flip(pred func(protocol.Notification) bool) bool {
	changed := false
	for i := range a.items {
		if !a.items[i].Read && pred(a.items[i]) {
			a.items[i].Read = true
			changed = true
		}
	}
	if changed {
		a.changes.Emit(struct{}{})
	}
	return changed
}

// MarkRead marks one notification read. Already read or unknown ids are a no-op.
func (a *Aggregator) MarkRead(id string) {
	i := a.index(id)
	if i < 0 || a.items[i].Read {
		return
	}
	n := a.items[i]
	a.flip(func(cur protocol.Notification) bool { return cur.ID == id })

	if _, local := a.synthesized[id]; !local {
		a.markRemote(protocol.ReadNotification(id))
	} else if n.Category == protocol.CategoryMessage && n.ConversationID != protocol.NoConversation {
		a.markRemote(protocol.ReadConversation(n.ConversationID))
	}
}

// MarkCategoryRead marks every notification in c read.
func (a *Aggregator) MarkCategoryRead(c protocol.Category) {
	if a.flip(func(n protocol.Notification) bool { return n.Category == c }) {
		a.markRemote(protocol.ReadCategory(c))
	}
}

// MarkAllRead marks every notification read.
func (a *Aggregator) MarkAllRead() {
	if a.flip(func(protocol.Notification) bool { return true }) {
		a.markRemote(protocol.ReadAll())
	}
}

// markRemote reports target to the service without waiting. A failure is
// logged; local read state is never rolled back.
func (a *Aggregator) markRemote(target protocol.ReadTarget) {
	if a.remote == nil {
		return
	}
	remote, log, timeout := a.remote, a.log, a.opts.RequestTimeout
	a.sched.Go(func() func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := remote.MarkRead(ctx, target); err != nil {
			log.Warn().Err(err).Int("kind", int(target.Kind)).Msg("Failed to mark read remotely")
		}
		return nil
	})
}

// SetActiveConversation records which conversation is on screen.
// NoConversation clears it. The previous conversation's room is left, the
// new one's joined, and its message notifications are marked read.
func (a *Aggregator) SetActiveConversation(conv protocol.ConversationID) {
	if conv < 0 {
		conv = protocol.NoConversation
	}
	if conv == a.active {
		return
	}
	old := a.active
	a.active = conv
	if old != protocol.NoConversation && a.rooms != nil {
		a.rooms.LeaveRoom(protocol.ConversationRoom(old))
	}
	if conv == protocol.NoConversation {
		return
	}
	if a.rooms != nil {
		a.rooms.JoinRoom(protocol.ConversationRoom(conv))
	}
	a.flip(func(n protocol.Notification) bool {
		return n.Category == protocol.CategoryMessage && n.ConversationID == conv
	})
	a.markRemote(protocol.ReadConversation(conv))
}

// ActiveConversation returns the conversation on screen, or NoConversation.
func (a *Aggregator) ActiveConversation() protocol.ConversationID {
	return a.active
}

// UnreadCount counts unread notifications in c.
func (a *Aggregator) UnreadCount(c protocol.Category) int {
	return a.count(func(n protocol.Notification) bool { return n.Category == c })
}

// UnreadForConversation counts unread message notifications for conv.
func (a *Aggregator) UnreadForConversation(conv protocol.ConversationID) int {
	return a.count(func(n protocol.Notification) bool {
		return n.Category == protocol.CategoryMessage && n.ConversationID == conv
	})
}

func (a *Aggregator) TotalUnread() int {
	return a.count(func(protocol.Notification) bool { return true })
}

func (a *Aggregator) count(pred func(protocol.Notification) bool) int {
	n := 0
	for _, item := range a.items {
		if !item.Read && pred(item) {
			n++
		}
	}
	return n
}

// Notifications returns the stored notifications, newest first.
func (a *Aggregator) Notifications() []protocol.Notification {
	out := make([]protocol.Notification, len(a.items))
	for i := range a.items {
		out[len(a.items)-1-i] = a.items[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// ClearNotification removes one notification.
func (a *Aggregator) ClearNotification(id string) {
	i := a.index(id)
	if i < 0 {
		return
	}
	a.items = append(a.items[:i], a.items[i+1:]...)
	delete(a.synthesized, id)
	a.changes.Emit(struct{}{})
}

// ClearAll removes every notification.
func (a *Aggregator) ClearAll() {
	if len(a.items) == 0 {
		return
	}
	a.items = nil
	a.synthesized = make(map[string]struct{})
	a.changes.Emit(struct{}{})
}

// OnChange registers fn, called whenever stored state changes.
func (a *Aggregator) OnChange(fn func()) *observe.Handle {
	return a.changes.Add(func(struct{}) { fn() })
}
