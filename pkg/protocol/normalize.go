package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// The remote service delivers the same record in several shapes. Everything
// below maps those shapes to the canonical records once, at the boundary.

// MessageFromWire builds a Message from a new_message payload or a REST message object.
func MessageFromWire(data map[string]any) (Message, error) {
	if data == nil {
		return Message{}, errors.Wrap(ErrMalformed, "empty message payload")
	}
	inner, _ := data["message"].(map[string]any)

	conv, ok := firstInt(data["conversation_id"], lookup(inner, "conversation_id"))
	if !ok || conv <= 0 {
		return Message{}, errors.Wrap(ErrMalformed, "message has no conversation id")
	}
	sender, ok := firstInt(
		data["sender_id"],
		lookup(inner, "sender_id"),
		lookup(inner, "sender", "id"),
		lookup(data, "sender", "id"),
	)
	if !ok || sender <= 0 {
		return Message{}, errors.Wrap(ErrMalformed, "message has no sender id")
	}

	m := Message{
		ConversationID: ConversationID(conv),
		SenderID:       UserID(sender),
		Status:         StatusConfirmed,
	}
	if id, ok := firstInt(data["id"], data["message_id"], lookup(inner, "id")); ok && id > 0 {
		m.ID = MessageID(id)
	}
	m.Body = firstString(data["content"], lookup(inner, "content"), lookup(inner, "message"), data["message"], data["body"])
	m.SentAt, _ = firstTime(data["sent_at"], lookup(inner, "sent_at"), data["timestamp"])
	return m, nil
}

// NotificationFromWire builds a Notification from a new_notification or
// broadcast_notification payload. It also returns the target user id when the
// payload names one.
func NotificationFromWire(data map[string]any, now time.Time) (Notification, UserID, error) {
	if data == nil {
		return Notification{}, 0, errors.Wrap(ErrMalformed, "empty notification payload")
	}
	name := firstString(data["type"], data["category"], data["notification_type"])
	if name == "" {
		return Notification{}, 0, errors.Wrap(ErrMalformed, "notification has no type")
	}
	category, _ := ParseCategory(name)

	n := Notification{
		ID:       idString(data["id"]),
		Category: category,
	}
	if conv, ok := firstInt(data["conversation_id"], lookup(data, "data", "conversation_id")); ok {
		n.ConversationID = ConversationID(conv)
	}
	if actor, ok := firstInt(lookup(data, "user", "id"), lookup(data, "sender", "id"), data["sender_id"]); ok {
		n.ActorID = UserID(actor)
	}
	n.ActorName = firstString(lookup(data, "user", "firstname"), lookup(data, "sender", "firstname"))
	n.Text = firstString(data["message"], lookup(data, "data", "message"))
	if ts, ok := firstTime(data["timestamp"], data["created_at"]); ok {
		n.CreatedAt = ts
	} else {
		n.CreatedAt = now
	}
	var target UserID
	if id, ok := firstInt(data["target_user_id"]); ok {
		target = UserID(id)
	}
	return n, target, nil
}

// TypingFromWire builds a TypingStatus from typing_status and user_typing payloads.
// A payload without is_typing means the user started typing.
func TypingFromWire(data map[string]any) (TypingStatus, error) {
	conv, ok := firstInt(data["conversation_id"])
	if !ok || conv <= 0 {
		return TypingStatus{}, errors.Wrap(ErrMalformed, "typing status has no conversation id")
	}
	user, ok := firstInt(data["user_id"])
	if !ok || user <= 0 {
		return TypingStatus{}, errors.Wrap(ErrMalformed, "typing status has no user id")
	}
	typing := true
	if v, ok := data["is_typing"].(bool); ok {
		typing = v
	}
	return TypingStatus{ConversationID: ConversationID(conv), UserID: UserID(user), Typing: typing}, nil
}

// CategoryFromWire reads the category named by a notification_type_read payload.
func CategoryFromWire(data map[string]any) (Category, error) {
	c, ok := ParseCategory(firstString(data["notification_type"], data["type"], data["category"]))
	if !ok {
		return 0, errors.Wrap(ErrMalformed, "unknown notification category")
	}
	return c, nil
}

// NotificationIDFromWire reads the id named by a notification_read payload.
func NotificationIDFromWire(data map[string]any) (string, error) {
	id := idString(data["notification_id"])
	if id == "" {
		id = idString(data["id"])
	}
	if id == "" {
		return "", errors.Wrap(ErrMalformed, "notification read has no id")
	}
	return id, nil
}

func lookup(m map[string]any, path ...string) any {
	var cur any = m
	for _, key := range path {
		obj, ok := cur.(map[string]any)
		if !ok || obj == nil {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	case json.Number:
		i, err := n.Int64()
		return i, err == nil
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		return i, err == nil
	default:
		return 0, false
	}
}

func firstInt(vs ...any) (int64, bool) {
	for _, v := range vs {
		if i, ok := toInt(v); ok {
			return i, true
		}
	}
	return 0, false
}

func firstString(vs ...any) string {
	for _, v := range vs {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func idString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	}
	if i, ok := toInt(v); ok {
		return strconv.FormatInt(i, 10)
	}
	return ""
}

func firstTime(vs ...any) (time.Time, bool) {
	for _, v := range vs {
		switch t := v.(type) {
		case string:
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
				if ts, err := time.Parse(layout, t); err == nil {
					return ts, true
				}
			}
		case float64:
			return time.UnixMilli(int64(t)), true
		case int64:
			return time.UnixMilli(t), true
		}
	}
	return time.Time{}, false
}
