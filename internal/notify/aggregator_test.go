package notify_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/omochice/matcha-sync/internal/eventloop/eventlooptest"
	"github.com/omochice/matcha-sync/internal/notify"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const self protocol.UserID = 1

type fakeRemote struct {
	mu      sync.Mutex
	targets []protocol.ReadTarget
	err     error
}

func (r *fakeRemote) MarkRead(ctx context.Context, target protocol.ReadTarget) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets = append(r.targets, target)
	return r.err
}

type fakeRooms struct {
	ops []string
}

func (r *fakeRooms) JoinRoom(room string)  { r.ops = append(r.ops, "join "+room) }
func (r *fakeRooms) LeaveRoom(room string) { r.ops = append(r.ops, "leave "+room) }

type fixture struct {
	agg    *notify.Aggregator
	remote *fakeRemote
	rooms  *fakeRooms
	sched  *eventlooptest.Scheduler
}

func newFixture() *fixture {
	sched := eventlooptest.New(time.Unix(1700000000, 0))
	remote := &fakeRemote{}
	rooms := &fakeRooms{}
	agg := notify.New(sched, remote, rooms, self, notify.Options{RequestTimeout: time.Second}, zerolog.Nop())
	return &fixture{agg: agg, remote: remote, rooms: rooms, sched: sched}
}

func newMessageFrame(conv, sender float64) protocol.Frame {
	return protocol.Frame{
		Event: protocol.EventNewMessage,
		Room:  "conversation_42",
		Data:  map[string]any{"conversation_id": conv, "sender_id": sender, "content": "hi"},
	}
}

func notificationFrame(id float64, kind string) protocol.Frame {
	return protocol.Frame{
		Event: protocol.EventNewNotification,
		Data:  map[string]any{"id": id, "type": kind},
	}
}

func TestAggregator_ActiveConversationSuppression(t *testing.T) {
	f := newFixture()

	f.agg.SetActiveConversation(42)
	f.agg.OnEvent(newMessageFrame(42, 7))
	if got := f.agg.UnreadForConversation(42); got != 0 {
		t.Fatalf("UnreadForConversation(42) while active = %d, want 0", got)
	}

	f.agg.OnEvent(newMessageFrame(43, 7))
	if got := f.agg.UnreadForConversation(43); got != 1 {
		t.Errorf("UnreadForConversation(43) = %d, want 1", got)
	}

	f.agg.SetActiveConversation(protocol.NoConversation)
	f.agg.OnEvent(newMessageFrame(42, 7))
	if got := f.agg.UnreadForConversation(42); got != 1 {
		t.Errorf("UnreadForConversation(42) after clearing = %d, want 1", got)
	}
	if got := f.agg.UnreadCount(protocol.CategoryMessage); got != 2 {
		t.Errorf("UnreadCount(message) = %d, want 2", got)
	}
}

func TestAggregator_OtherCategoriesNeverSuppressed(t *testing.T) {
	f := newFixture()
	f.agg.SetActiveConversation(42)

	f.agg.OnEvent(protocol.Frame{
		Event: protocol.EventNewNotification,
		Data:  map[string]any{"id": 9.0, "type": "match", "conversation_id": 42.0},
	})
	if got := f.agg.UnreadCount(protocol.CategoryMatch); got != 1 {
		t.Errorf("UnreadCount(match) = %d, want 1", got)
	}
}

func TestAggregator_OwnMessagesNeverNotify(t *testing.T) {
	f := newFixture()
	f.agg.OnMessage(protocol.Message{ID: 5, ConversationID: 3, SenderID: self, Body: "mine"})
	if got := f.agg.TotalUnread(); got != 0 {
		t.Errorf("TotalUnread() = %d, want 0", got)
	}
}

func TestAggregator_DeduplicatesByID(t *testing.T) {
	f := newFixture()

	f.agg.OnEvent(notificationFrame(1, "like"))
	f.agg.OnEvent(notificationFrame(1, "like"))
	f.agg.OnMessage(protocol.Message{ID: 12, ConversationID: 3, SenderID: 8})
	f.agg.OnMessage(protocol.Message{ID: 12, ConversationID: 3, SenderID: 8})

	if got := len(f.agg.Notifications()); got != 2 {
		t.Errorf("len(Notifications()) = %d, want 2", got)
	}
	if got := f.agg.UnreadCount(protocol.CategoryLike); got != 1 {
		t.Errorf("UnreadCount(like) = %d, want 1", got)
	}
}

func TestAggregator_MarkAllReadIsIdempotent(t *testing.T) {
	f := newFixture()
	f.agg.OnEvent(notificationFrame(1, "like"))
	f.agg.OnEvent(notificationFrame(2, "match"))
	f.agg.OnEvent(newMessageFrame(3, 8))

	for i := 0; i < 2; i++ {
		f.agg.MarkAllRead()
		f.sched.Flush()
		for _, c := range protocol.Categories() {
			if got := f.agg.UnreadCount(c); got != 0 {
				t.Errorf("call %d: UnreadCount(%v) = %d, want 0", i+1, c, got)
			}
		}
		if got := f.agg.TotalUnread(); got != 0 {
			t.Errorf("call %d: TotalUnread() = %d, want 0", i+1, got)
		}
	}
	if len(f.remote.targets) != 1 || f.remote.targets[0].Kind != protocol.ReadKindAll {
		t.Errorf("remote targets = %+v, want a single read-all", f.remote.targets)
	}
}

func TestAggregator_MarkReadOperations(t *testing.T) {
	tests := []struct {
		name       string
		mark       func(a *notify.Aggregator)
		wantUnread map[protocol.Category]int
		wantRemote []protocol.ReadTarget
	}{
		{
			name: "single notification",
			mark: func(a *notify.Aggregator) {
				a.MarkRead("1")
				a.MarkRead("1")
			},
			wantUnread: map[protocol.Category]int{protocol.CategoryLike: 1, protocol.CategoryMatch: 1},
			wantRemote: []protocol.ReadTarget{protocol.ReadNotification("1")},
		},
		{
			name: "category",
			mark: func(a *notify.Aggregator) {
				a.MarkCategoryRead(protocol.CategoryLike)
				a.MarkCategoryRead(protocol.CategoryLike)
			},
			wantUnread: map[protocol.Category]int{protocol.CategoryLike: 0, protocol.CategoryMatch: 1},
			wantRemote: []protocol.ReadTarget{protocol.ReadCategory(protocol.CategoryLike)},
		},
		{
			name:       "unknown id",
			mark:       func(a *notify.Aggregator) { a.MarkRead("404") },
			wantUnread: map[protocol.Category]int{protocol.CategoryLike: 2, protocol.CategoryMatch: 1},
		},
		{
			name:       "synthesized message notification",
			mark:       func(a *notify.Aggregator) { a.MarkRead("message-30") },
			wantUnread: map[protocol.Category]int{protocol.CategoryMessage: 0},
			wantRemote: []protocol.ReadTarget{protocol.ReadConversation(4)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.agg.OnEvent(notificationFrame(1, "like"))
			f.agg.OnEvent(notificationFrame(2, "like"))
			f.agg.OnEvent(notificationFrame(3, "match"))
			f.agg.OnMessage(protocol.Message{ID: 30, ConversationID: 4, SenderID: 8})

			tt.mark(f.agg)
			f.sched.Flush()

			for c, want := range tt.wantUnread {
				if got := f.agg.UnreadCount(c); got != want {
					t.Errorf("UnreadCount(%v) = %d, want %d", c, got, want)
				}
			}
			if len(f.remote.targets) != len(tt.wantRemote) {
				t.Fatalf("remote targets = %+v, want %+v", f.remote.targets, tt.wantRemote)
			}
			for i := range tt.wantRemote {
				if f.remote.targets[i] != tt.wantRemote[i] {
					t.Errorf("remote target[%d] = %+v, want %+v", i, f.remote.targets[i], tt.wantRemote[i])
				}
			}
		})
	}
}

func TestAggregator_RemoteFailureKeepsLocalRead(t *testing.T) {
	f := newFixture()
	f.remote.err = errors.New("service down")
	f.agg.OnEvent(notificationFrame(1, "like"))

	f.agg.MarkRead("1")
	f.sched.Flush()

	if got := f.agg.UnreadCount(protocol.CategoryLike); got != 0 {
		t.Errorf("UnreadCount(like) = %d, want 0 despite remote failure", got)
	}
}

func TestAggregator_SetActiveConversationRooms(t *testing.T) {
	f := newFixture()
	f.agg.OnMessage(protocol.Message{ID: 1, ConversationID: 42, SenderID: 8})
	f.agg.OnMessage(protocol.Message{ID: 2, ConversationID: 43, SenderID: 8})

	f.agg.SetActiveConversation(42)
	f.agg.SetActiveConversation(42)
	f.agg.SetActiveConversation(43)
	f.agg.SetActiveConversation(protocol.NoConversation)
	f.sched.Flush()

	wantOps := []string{
		"join conversation_42",
		"leave conversation_42",
		"join conversation_43",
		"leave conversation_43",
	}
	if len(f.rooms.ops) != len(wantOps) {
		t.Fatalf("room ops = %v, want %v", f.rooms.ops, wantOps)
	}
	for i := range wantOps {
		if f.rooms.ops[i] != wantOps[i] {
			t.Errorf("room op[%d] = %q, want %q", i, f.rooms.ops[i], wantOps[i])
		}
	}
	if got := f.agg.UnreadCount(protocol.CategoryMessage); got != 0 {
		t.Errorf("UnreadCount(message) = %d, want prior notifications read", got)
	}
	wantRemote := []protocol.ReadTarget{protocol.ReadConversation(42), protocol.ReadConversation(43)}
	if len(f.remote.targets) != len(wantRemote) {
		t.Fatalf("remote targets = %+v, want %+v", f.remote.targets, wantRemote)
	}
	if got := f.agg.ActiveConversation(); got != protocol.NoConversation {
		t.Errorf("ActiveConversation() = %d, want none", got)
	}
}

func TestAggregator_BroadcastFiltering(t *testing.T) {
	tests := []struct {
		name   string
		target any
		want   int
	}{
		{"addressed to session user", 1.0, 1},
		{"addressed to someone else", 2.0, 0},
		{"no target", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			data := map[string]any{"id": 77.0, "type": "like"}
			if tt.target != nil {
				data["target_user_id"] = tt.target
			}
			f.agg.OnEvent(protocol.Frame{Event: protocol.EventBroadcastNotification, Data: data})
			if got := f.agg.UnreadCount(protocol.CategoryLike); got != tt.want {
				t.Errorf("UnreadCount(like) = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAggregator_ReadEventsFromService(t *testing.T) {
	f := newFixture()
	f.agg.OnEvent(notificationFrame(1, "like"))
	f.agg.OnEvent(notificationFrame(2, "like"))
	f.agg.OnEvent(notificationFrame(3, "match"))
	f.agg.OnEvent(notificationFrame(4, "unmatch"))

	f.agg.OnEvent(protocol.Frame{Event: protocol.EventNotificationRead, Data: map[string]any{"notification_id": 1.0}})
	if got := f.agg.UnreadCount(protocol.CategoryLike); got != 1 {
		t.Errorf("UnreadCount(like) after notification_read = %d, want 1", got)
	}

	f.agg.OnEvent(protocol.Frame{Event: protocol.EventNotificationTypeRead, Data: map[string]any{"notification_type": "match"}})
	if got := f.agg.UnreadCount(protocol.CategoryMatch); got != 0 {
		t.Errorf("UnreadCount(match) after notification_type_read = %d, want 0", got)
	}

	f.agg.OnEvent(protocol.Frame{Event: protocol.EventAllNotificationsRead})
	if got := f.agg.TotalUnread(); got != 0 {
		t.Errorf("TotalUnread() after all_notifications_read = %d, want 0", got)
	}
	f.sched.Flush()
	if len(f.remote.targets) != 0 {
		t.Errorf("service-originated reads were echoed back: %+v", f.remote.targets)
	}
}

func TestAggregator_MalformedEventsDropped(t *testing.T) {
	f := newFixture()
	f.agg.OnEvent(protocol.Frame{Event: protocol.EventNewNotification, Data: map[string]any{"id": 1.0}})
	f.agg.OnEvent(protocol.Frame{Event: protocol.EventNewMessage, Data: map[string]any{"content": "x"}})
	f.agg.OnEvent(protocol.Frame{Event: protocol.EventNotificationTypeRead, Data: map[string]any{"notification_type": "bogus"}})

	if got := len(f.agg.Notifications()); got != 0 {
		t.Errorf("len(Notifications()) = %d, want 0", got)
	}
}

func TestAggregator_ClearAndOrder(t *testing.T) {
	f := newFixture()

	changes := 0
	h := f.agg.OnChange(func() { changes++ })
	defer h.Release()

	f.agg.OnEvent(protocol.Frame{Event: protocol.EventNewNotification, Data: map[string]any{"id": 1.0, "type": "like", "created_at": "2024-01-01T00:00:00Z"}})
	f.agg.OnEvent(protocol.Frame{Event: protocol.EventNewNotification, Data: map[string]any{"id": 2.0, "type": "match", "created_at": "2024-01-02T00:00:00Z"}})

	list := f.agg.Notifications()
	if len(list) != 2 || list[0].ID != "2" {
		t.Fatalf("Notifications() = %+v, want newest first", list)
	}

	f.agg.ClearNotification("2")
	if got := len(f.agg.Notifications()); got != 1 {
		t.Errorf("len after ClearNotification = %d, want 1", got)
	}
	f.agg.ClearAll()
	f.agg.ClearAll()
	if got := f.agg.TotalUnread(); got != 0 {
		t.Errorf("TotalUnread() after ClearAll = %d, want 0", got)
	}
	if changes != 4 {
		t.Errorf("change notifications = %d, want 4", changes)
	}
}
