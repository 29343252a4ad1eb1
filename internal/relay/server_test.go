package relay_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/omochice/matcha-sync/internal/api"
	"github.com/omochice/matcha-sync/internal/connection"
	"github.com/omochice/matcha-sync/internal/relay"
	"github.com/omochice/matcha-sync/internal/transport/ws"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

var (
	alice = relay.User{ID: 1, Token: "alice-token", Firstname: "Alice", Verified: true}
	bob   = relay.User{ID: 2, Token: "bob-token", Firstname: "Bob", Verified: true}
)

func startRelay(t *testing.T) (*relay.Server, *httptest.Server) {
	t.Helper()
	srv := relay.New("127.0.0.1:0", zerolog.Nop())
	srv.AddUser(alice)
	srv.AddUser(bob)
	srv.AddConversation(42, alice.ID, bob.ID)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.DropConnections()
		hs.Close()
	})
	return srv, hs
}

func apiClient(hs *httptest.Server, u relay.User) *api.Client {
	c := api.New(hs.URL, 2*time.Second, zerolog.Nop())
	c.SetToken(u.Token)
	return c
}

func dial(t *testing.T, hs *httptest.Server, u relay.User) connection.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket"
	conn, err := ws.NewDialer(url, 2*time.Second).Dial(context.Background(), protocol.Identity{UserID: u.ID, Token: u.Token})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn connection.Conn) protocol.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	return f
}

func writeFrame(t *testing.T, conn connection.Conn, f protocol.Frame) {
	t.Helper()
	data, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if err := conn.Write(context.Background(), data); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
}

func waitRoom(t *testing.T, srv *relay.Server, room string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for srv.RoomSize(room) != n {
		if time.Now().After(deadline) {
			t.Fatalf("RoomSize(%q) = %d, want %d", room, srv.RoomSize(room), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_WhoAmI(t *testing.T) {
	_, hs := startRelay(t)

	p, err := apiClient(hs, alice).WhoAmI(context.Background())
	if err != nil {
		t.Fatalf("WhoAmI() error = %v", err)
	}
	if p.ID != alice.ID || p.Firstname != "Alice" || !p.Verified {
		t.Errorf("WhoAmI() = %+v", p)
	}

	_, err = apiClient(hs, relay.User{Token: "nope"}).WhoAmI(context.Background())
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("WhoAmI() with bad token error = %v, want ErrUnauthorized", err)
	}
}

func TestServer_SocketRequiresMatchingIdentity(t *testing.T) {
	_, hs := startRelay(t)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket"

	tests := []struct {
		name string
		id   protocol.Identity
	}{
		{"unknown token", protocol.Identity{UserID: 1, Token: "nope"}},
		{"user id mismatch", protocol.Identity{UserID: 2, Token: alice.Token}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ws.NewDialer(url, time.Second).Dial(context.Background(), tt.id)
			if !errors.Is(err, protocol.ErrUnauthorized) {
				t.Errorf("Dial() error = %v, want ErrUnauthorized", err)
			}
		})
	}
}

func TestServer_SendDeliversOnce(t *testing.T) {
	srv, hs := startRelay(t)

	conn := dial(t, hs, bob)
	if f := readFrame(t, conn); f.Event != protocol.EventConnected {
		t.Fatalf("first frame = %v, want connected", f.Event)
	}
	writeFrame(t, conn, protocol.Frame{Event: protocol.EventJoin, Room: protocol.UserRoom(bob.ID)})
	writeFrame(t, conn, protocol.Frame{Event: protocol.EventJoin, Room: protocol.ConversationRoom(42)})
	waitRoom(t, srv, protocol.ConversationRoom(42), 1)

	sent, err := apiClient(hs, alice).Send(context.Background(), 42, "hello bob")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sent.ID == 0 || sent.Body != "hello bob" || sent.SenderID != alice.ID {
		t.Errorf("Send() = %+v", sent)
	}

	f := readFrame(t, conn)
	if f.Event != protocol.EventNewMessage {
		t.Fatalf("event = %v, want new_message", f.Event)
	}
	m, err := protocol.MessageFromWire(f.Data)
	if err != nil {
		t.Fatalf("MessageFromWire() error = %v", err)
	}
	if m.ID != sent.ID || m.ConversationID != 42 || m.Body != "hello bob" {
		t.Errorf("live message = %+v, want copy of %+v", m, sent)
	}

	// A second frame would be a duplicate delivery via the user room.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := conn.Read(ctx); err == nil {
		t.Error("message was delivered twice")
	}
}

func TestServer_History(t *testing.T) {
	_, hs := startRelay(t)
	c := apiClient(hs, alice)
	for _, body := range []string{"one", "two"} {
		if _, err := c.Send(context.Background(), 42, body); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	msgs, err := apiClient(hs, bob).History(context.Background(), 42)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Body != "one" || msgs[1].Body != "two" {
		t.Errorf("History() = %+v", msgs)
	}
	if msgs[0].ID >= msgs[1].ID {
		t.Errorf("History() ids not ascending: %d, %d", msgs[0].ID, msgs[1].ID)
	}

	outsider := relay.User{ID: 3, Token: "carol-token"}
	_, err = apiClient(hs, outsider).History(context.Background(), 42)
	if !errors.Is(err, protocol.ErrUnauthorized) {
		t.Errorf("History() by unknown user error = %v, want ErrUnauthorized", err)
	}
	_, err = c.History(context.Background(), 77)
	if !errors.Is(err, protocol.ErrInvalidConversation) {
		t.Errorf("History() of missing conversation error = %v, want ErrInvalidConversation", err)
	}
}

func TestServer_JoinForbiddenConversation(t *testing.T) {
	srv, hs := startRelay(t)
	srv.AddConversation(9, bob.ID)

	conn := dial(t, hs, alice)
	readFrame(t, conn)
	writeFrame(t, conn, protocol.Frame{Event: protocol.EventJoin, Room: protocol.ConversationRoom(9)})

	f := readFrame(t, conn)
	if f.Event != protocol.EventError || f.Data["code"] != "forbidden" {
		t.Errorf("frame = %v %v, want forbidden error", f.Event, f.Data)
	}
}

func TestServer_MarkRead(t *testing.T) {
	srv, hs := startRelay(t)
	conn := dial(t, hs, alice)
	readFrame(t, conn)
	writeFrame(t, conn, protocol.Frame{Event: protocol.EventJoin, Room: protocol.UserRoom(alice.ID)})
	waitRoom(t, srv, protocol.UserRoom(alice.ID), 1)

	tests := []struct {
		name   string
		target protocol.ReadTarget
		echo   protocol.EventType
	}{
		{"single", protocol.ReadNotification("n-1"), protocol.EventNotificationRead},
		{"category", protocol.ReadCategory(protocol.CategoryLike), protocol.EventNotificationTypeRead},
		{"all", protocol.ReadAll(), protocol.EventAllNotificationsRead},
	}

	c := apiClient(hs, alice)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := c.MarkRead(context.Background(), tt.target); err != nil {
				t.Fatalf("MarkRead() error = %v", err)
			}
			if f := readFrame(t, conn); f.Event != tt.echo {
				t.Errorf("echo = %v, want %v", f.Event, tt.echo)
			}
		})
	}

	if err := c.MarkRead(context.Background(), protocol.ReadConversation(42)); err != nil {
		t.Fatalf("MarkRead() error = %v", err)
	}
	reads := srv.Reads(alice.ID)
	if len(reads) != 4 {
		t.Fatalf("Reads() has %d records, want 4", len(reads))
	}
	if got := reads[3].Target; got != protocol.ReadConversation(42) {
		t.Errorf("last read = %+v, want conversation 42", got)
	}
}

func TestServer_NotifyAndBroadcast(t *testing.T) {
	srv, hs := startRelay(t)
	conn := dial(t, hs, bob)
	readFrame(t, conn)
	writeFrame(t, conn, protocol.Frame{Event: protocol.EventJoin, Room: protocol.UserRoom(bob.ID)})
	waitRoom(t, srv, protocol.UserRoom(bob.ID), 1)

	if n := srv.Notify(bob.ID, map[string]any{"id": "n-1", "type": "like"}); n != 1 {
		t.Errorf("Notify() = %d, want 1", n)
	}
	if f := readFrame(t, conn); f.Event != protocol.EventNewNotification {
		t.Errorf("event = %v, want new_notification", f.Event)
	}

	srv.Broadcast(alice.ID, map[string]any{"type": "match"})
	f := readFrame(t, conn)
	if f.Event != protocol.EventBroadcastNotification {
		t.Fatalf("event = %v, want broadcast_notification", f.Event)
	}
	_, target, err := protocol.NotificationFromWire(f.Data, time.Now())
	if err != nil {
		t.Fatalf("NotificationFromWire() error = %v", err)
	}
	if target != alice.ID {
		t.Errorf("target = %d, want %d", target, alice.ID)
	}
}

func TestServer_DropConnections(t *testing.T) {
	srv, hs := startRelay(t)
	conn := dial(t, hs, alice)
	readFrame(t, conn)

	srv.DropConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Read(ctx); err == nil {
		t.Fatal("Read() after drop succeeded")
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d after drop", srv.ClientCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServer_UnknownRoute(t *testing.T) {
	_, hs := startRelay(t)
	resp, err := http.Get(hs.URL + "/api/nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestServer_TextPeerGetsTextFrames(t *testing.T) {
	srv, hs := startRelay(t)
	srv.AddConversation(9, bob.ID)
	url := "ws" + strings.TrimPrefix(hs.URL, "http") + "/socket?user_id=1"

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + alice.Token}},
	})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if typ, _, err := conn.Read(ctx); err != nil || typ != websocket.MessageBinary {
		t.Fatalf("first frame type = %v, err = %v, want binary", typ, err)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"event":"join","room":"conversation_9"}`)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	typ, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if typ != websocket.MessageText {
		t.Errorf("reply type = %v, want text", typ)
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		t.Fatalf("DecodeFrame(%s) error = %v", data, err)
	}
	if f.Event != protocol.EventError || f.Data["code"] != "forbidden" {
		t.Errorf("reply = %v %v, want forbidden error", f.Event, f.Data)
	}
}
