package protocol

import (
	"bytes"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// EventType represents the type of a push channel frame
type EventType int

const (
	EventUnknown EventType = iota
	EventConnected
	EventError
	EventJoin
	EventLeave
	EventTyping
	EventTypingStatus
	EventUserTyping
	EventNewMessage
	EventNewNotification
	EventBroadcastNotification
	EventNotificationRead
	EventNotificationTypeRead
	EventAllNotificationsRead
)

var eventNames = map[EventType]string{
	EventConnected:             "connected",
	EventError:                 "error",
	EventJoin:                  "join",
	EventLeave:                 "leave",
	EventTyping:                "typing",
	EventTypingStatus:          "typing_status",
	EventUserTyping:            "user_typing",
	EventNewMessage:            "new_message",
	EventNewNotification:       "new_notification",
	EventBroadcastNotification: "broadcast_notification",
	EventNotificationRead:      "notification_read",
	EventNotificationTypeRead:  "notification_type_read",
	EventAllNotificationsRead:  "all_notifications_read",
}

var eventsByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventNames))
	for et, name := range eventNames {
		m[name] = et
	}
	return m
}()

// String returns the wire name of the EventType
func (et EventType) String() string {
	if name, ok := eventNames[et]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType maps a wire name to an EventType.
// Unrecognized names map to EventUnknown so the caller can log and drop them.
func ParseEventType(name string) EventType {
	if et, ok := eventsByName[name]; ok {
		return et
	}
	return EventUnknown
}

// Frame is a single event on the push channel.
type Frame struct {
	Event EventType
	Room  string
	Data  map[string]any
}

// Encode encodes the frame as a protobuf Struct.
func (f *Frame) Encode() ([]byte, error) {
	pbFrame, err := f.toProto()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	data, err := proto.Marshal(pbFrame)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return data, nil
}

// EncodeText encodes the frame as the protojson form of the same Struct.
func (f *Frame) EncodeText() ([]byte, error) {
	pbFrame, err := f.toProto()
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode frame")
	}
	return protojson.Marshal(pbFrame)
}

// DecodeFrame decodes a frame from either its binary or its JSON form.
func DecodeFrame(data []byte) (Frame, error) {
	pbFrame := &structpb.Struct{}
	trimmed := bytes.TrimSpace(data)
	var err error
	if len(trimmed) > 0 && trimmed[0] == '{' {
		err = protojson.Unmarshal(trimmed, pbFrame)
	} else {
		err = proto.Unmarshal(data, pbFrame)
	}
	if err != nil {
		return Frame{}, errors.Wrapf(ErrMalformed, "failed to decode frame: %v", err)
	}
	var f Frame
	if err := f.fromProto(pbFrame); err != nil {
		return Frame{}, err
	}
	return f, nil
}

// toProto converts the Frame to a protobuf Struct.
// Data values must be representable by structpb.NewValue.
func (f *Frame) toProto() (*structpb.Struct, error) {
	fields := map[string]any{"event": f.Event.String()}
	if f.Room != "" {
		fields["room"] = f.Room
	}
	if f.Data != nil {
		fields["data"] = normalizeValues(f.Data)
	}
	return structpb.NewStruct(fields)
}

func (f *Frame) fromProto(pbFrame *structpb.Struct) error {
	m := pbFrame.AsMap()
	name, ok := m["event"].(string)
	if !ok || name == "" {
		return errors.Wrap(ErrMalformed, "frame has no event")
	}
	f.Event = ParseEventType(name)
	f.Room, _ = m["room"].(string)
	if data, ok := m["data"].(map[string]any); ok {
		f.Data = data
	}
	return nil
}

// normalizeValues widens typed ids so structpb accepts them.
func normalizeValues(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch t := v.(type) {
		case UserID:
			out[k] = int64(t)
		case ConversationID:
			out[k] = int64(t)
		case MessageID:
			out[k] = int64(t)
		case map[string]any:
			out[k] = normalizeValues(t)
		default:
			out[k] = v
		}
	}
	return out
}
