package relay

import (
	"context"
	"sync"

	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/rs/zerolog"
)

// Client represents a connected push channel client.
type Client struct {
	Conn     Conn
	UserID   protocol.UserID
	Outgoing chan []byte
	rooms    map[string]bool
}

// RoomPolicy decides whether user may join room.
type RoomPolicy func(user protocol.UserID, room string) bool

// Hub tracks connected clients and their rooms and fans frames out.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	rooms   map[string]map[*Client]bool
	policy  RoomPolicy
	log     zerolog.Logger
}

// NewHub creates a Hub. A nil policy admits every join.
func NewHub(policy RoomPolicy, log zerolog.Logger) *Hub {
	if policy == nil {
		policy = func(protocol.UserID, string) bool { return true }
	}
	return &Hub{
		clients: make(map[*Client]bool),
		rooms:   make(map[string]map[*Client]bool),
		policy:  policy,
		log:     log.With().Str("component", "hub").Logger(),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client.rooms == nil {
		client.rooms = make(map[string]bool)
	}
	h.clients[client] = true
}

// Unregister removes a client and its room memberships. Once it returns no
// frame is queued on the client's Outgoing channel anymore.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	delete(h.clients, client)
}

// ClientCount returns number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns the number of clients in room.
func (h *Hub) RoomSize(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

// Join adds client to room if the policy allows it.
func (h *Hub) Join(client *Client, room string) bool {
	if !h.policy(client.UserID, room) {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.clients[client] {
		return false
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Client]bool)
		h.rooms[room] = members
	}
	members[client] = true
	client.rooms[room] = true
	return true
}

func (h *Hub) Leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

func (h *Hub) leaveLocked(client *Client, room string) {
	delete(client.rooms, room)
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
}

// Deliver sends f once to every client in any of rooms, except skip.
// It returns the number of clients the frame was queued for.
func (h *Hub) Deliver(rooms []string, f protocol.Frame, skip *Client) int {
	data, err := f.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("event", f.Event.String()).Msg("Failed to encode frame")
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	targets := make(map[*Client]bool)
	for _, room := range rooms {
		for c := range h.rooms[room] {
			if c != skip {
				targets[c] = true
			}
		}
	}
	for c := range targets {
		h.queue(c, data)
	}
	return len(targets)
}

// DeliverAll sends f to every connected client.
func (h *Hub) DeliverAll(f protocol.Frame) int {
	data, err := f.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("event", f.Event.String()).Msg("Failed to encode frame")
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		h.queue(c, data)
	}
	return len(h.clients)
}

// Send queues f for a single client.
func (h *Hub) Send(client *Client, f protocol.Frame) {
	data, err := f.Encode()
	if err != nil {
		h.log.Error().Err(err).Str("event", f.Event.String()).Msg("Failed to encode frame")
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.clients[client] {
		h.queue(client, data)
	}
}

// queue must be called with h.mu held.
func (h *Hub) queue(c *Client, data []byte) {
	select {
	case c.Outgoing <- data:
	default:
		h.log.Warn().Str("remote", c.Conn.RemoteAddr()).Msg("Client outgoing buffer full, dropping frame")
	}
}

// DropAll closes every client connection.
func (h *Hub) DropAll() {
	h.mu.RLock()
	conns := make([]Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c.Conn)
	}
	h.mu.RUnlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// HandleClient reads frames from client until its connection fails, then
// unregisters it.
func (h *Hub) HandleClient(client *Client) {
	defer h.Unregister(client)
	for {
		data, err := client.Conn.Read(context.Background())
		if err != nil {
			h.log.Debug().Err(err).Str("remote", client.Conn.RemoteAddr()).Msg("Client disconnected")
			return
		}
		f, err := protocol.DecodeFrame(data)
		if err != nil {
			h.log.Warn().Err(err).Str("remote", client.Conn.RemoteAddr()).Msg("Dropping malformed frame")
			continue
		}
		h.handleFrame(client, f)
	}
}

func (h *Hub) handleFrame(client *Client, f protocol.Frame) {
	switch f.Event {
	case protocol.EventJoin:
		if !h.Join(client, f.Room) {
			h.log.Warn().Int64("user_id", int64(client.UserID)).Str("room", f.Room).Msg("Join refused")
			h.Send(client, protocol.Frame{
				Event: protocol.EventError,
				Room:  f.Room,
				Data:  map[string]any{"code": "forbidden", "message": "cannot join " + f.Room},
			})
		}

	case protocol.EventLeave:
		h.Leave(client, f.Room)

	case protocol.EventTyping:
		h.mu.RLock()
		member := client.rooms[f.Room]
		h.mu.RUnlock()
		if !member {
			return
		}
		ts, err := protocol.TypingFromWire(f.Data)
		if err != nil {
			h.log.Warn().Err(err).Msg("Dropping typing frame")
			return
		}
		h.Deliver([]string{f.Room}, protocol.Frame{
			Event: protocol.EventTypingStatus,
			Room:  f.Room,
			Data: map[string]any{
				"conversation_id": ts.ConversationID,
				"user_id":         client.UserID,
				"is_typing":       ts.Typing,
			},
		}, client)

	default:
		h.log.Debug().Str("event", f.Event.String()).Msg("Ignoring client frame")
	}
}
