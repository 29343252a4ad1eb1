package protocol

import (
	"fmt"
	"strconv"
	"time"
)

type (
	UserID         int64
	ConversationID int64
	MessageID      int64
)

// NoConversation is the zero ConversationID, used where no conversation is active.
const NoConversation ConversationID = 0

// Identity authenticates a push channel connection.
type Identity struct {
	UserID UserID
	Token  string
}

// UserRoom returns the per-identity broadcast room.
func UserRoom(id UserID) string {
	return "user_" + strconv.FormatInt(int64(id), 10)
}

// ConversationRoom returns the room scoped to one conversation.
func ConversationRoom(id ConversationID) string {
	return "conversation_" + strconv.FormatInt(int64(id), 10)
}

// Origin records how a message reached the client.
type Origin int

const (
	OriginLocal Origin = iota
	OriginHistory
	OriginLive
)

func (o Origin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginHistory:
		return "history"
	case OriginLive:
		return "live"
	default:
		return "unknown"
	}
}

// Status is the display status of a message.
type Status int

const (
	StatusPending Status = iota
	StatusConfirmed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Label returns the text a chat view shows next to the message.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Sending…"
	case StatusFailed:
		return "Failed to send"
	default:
		return "Sent"
	}
}

// Message is the canonical chat message. ID is zero until the server confirms it;
// LocalID identifies an optimistic entry created by this client.
type Message struct {
	ID             MessageID
	LocalID        string
	ConversationID ConversationID
	SenderID       UserID
	Body           string
	SentAt         time.Time
	Origin         Origin
	Status         Status
}

// Confirmed reports whether the message carries a server id.
func (m Message) Confirmed() bool {
	return m.ID != 0
}

// Category partitions notifications for unread accounting.
type Category int

const (
	CategoryLike Category = iota
	CategoryMatch
	CategoryMessage
	CategoryUnmatch
	CategorySystem
)

// Categories lists every Category in display order.
func Categories() []Category {
	return []Category{CategoryLike, CategoryMatch, CategoryMessage, CategoryUnmatch, CategorySystem}
}

func (c Category) String() string {
	switch c {
	case CategoryLike:
		return "like"
	case CategoryMatch:
		return "match"
	case CategoryMessage:
		return "message"
	case CategoryUnmatch:
		return "unmatch"
	case CategorySystem:
		return "system"
	default:
		return "unknown"
	}
}

// ParseCategory maps a wire name to a Category. Unknown names fall back to
// CategorySystem with ok set to false.
func ParseCategory(name string) (Category, bool) {
	for _, c := range Categories() {
		if c.String() == name {
			return c, true
		}
	}
	return CategorySystem, false
}

// Notification is the canonical notification record.
type Notification struct {
	ID             string
	Category       Category
	Read           bool
	CreatedAt      time.Time
	ConversationID ConversationID
	ActorID        UserID
	ActorName      string
	Text           string
}

// Summary returns the one-line text shown in the notification list.
func (n Notification) Summary() string {
	switch n.Category {
	case CategoryMatch:
		return fmt.Sprintf("You matched with %s!", nameOr(n.ActorName, "someone new"))
	case CategoryLike:
		return fmt.Sprintf("%s liked your profile!", nameOr(n.ActorName, "Someone"))
	case CategoryMessage:
		return fmt.Sprintf("New message from %s", nameOr(n.ActorName, "someone"))
	case CategoryUnmatch:
		return fmt.Sprintf("%s unmatched with you", nameOr(n.ActorName, "Someone"))
	default:
		if n.Text != "" {
			return n.Text
		}
		return "You have a new notification"
	}
}

func nameOr(name, fallback string) string {
	if name == "" {
		return fallback
	}
	return name
}

// TypingStatus is an ephemeral typing signal for one user in one conversation.
type TypingStatus struct {
	ConversationID ConversationID
	UserID         UserID
	Typing         bool
}

// ReadKind selects what a ReadTarget marks as read.
type ReadKind int

const (
	ReadKindNotification ReadKind = iota
	ReadKindCategory
	ReadKindConversation
	ReadKindAll
)

// ReadTarget names the notifications a mark-read request applies to.
type ReadTarget struct {
	Kind           ReadKind
	NotificationID string
	Category       Category
	ConversationID ConversationID
}

func ReadNotification(id string) ReadTarget {
	return ReadTarget{Kind: ReadKindNotification, NotificationID: id}
}

func ReadCategory(c Category) ReadTarget {
	return ReadTarget{Kind: ReadKindCategory, Category: c}
}

func ReadConversation(id ConversationID) ReadTarget {
	return ReadTarget{Kind: ReadKindConversation, ConversationID: id}
}

func ReadAll() ReadTarget {
	return ReadTarget{Kind: ReadKindAll}
}
