// Package relay is an in-process stand-in for the remote service: the
// session check, conversation history and sending over REST, and the push
// channel with rooms. It backs the end-to-end tests and local development.
package relay

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

// Server serves the REST API and the push channel on one listener.
type Server struct {
	address string
	router  *mux.Router

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	hub      *Hub
	store    *store
	log      zerolog.Logger
	wg       sync.WaitGroup
}

// New creates a relay that will listen on address.
func New(address string, log zerolog.Logger) *Server {
	st := newStore()
	s := &Server{
		address: address,
		store:   st,
		hub:     NewHub(st.mayJoin, log),
		log:     log.With().Str("component", "relay").Logger(),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/socket", s.handleSocket)
	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/whoami", s.authenticated(s.handleWhoAmI)).Methods(http.MethodGet)
	api.HandleFunc("/conv/{id:[0-9]+}/messages", s.authenticated(s.handleHistory)).Methods(http.MethodGet)
	api.HandleFunc("/conv/{id:[0-9]+}/messages", s.authenticated(s.handleSend)).Methods(http.MethodPost)
	api.HandleFunc("/user/notifications/read", s.authenticated(s.handleMarkRead)).Methods(http.MethodPost)
	api.HandleFunc("/user/notifications/read/{id}", s.authenticated(s.handleMarkRead)).Methods(http.MethodPost)
	return r
}

// Handler returns the relay's HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts accepting connections and blocks until Stop.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}
	server := &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.listener, s.server = listener, server
	s.mu.Unlock()
	s.log.Info().Str("addr", listener.Addr().String()).Msg("Relay started")

	if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drops every push channel client and shuts the listener down.
func (s *Server) Stop() {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	s.hub.DropAll()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	s.wg.Wait()
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// AddUser registers an account that can authenticate with u.Token.
func (s *Server) AddUser(u User) {
	s.store.addUser(u)
}

// AddConversation creates a conversation between participants.
func (s *Server) AddConversation(id protocol.ConversationID, participants ...protocol.UserID) {
	s.store.addConversation(id, participants...)
}

// Notify pushes a new_notification to user and reports how many
// connections it was queued for.
func (s *Server) Notify(user protocol.UserID, data map[string]any) int {
	return s.hub.Deliver([]string{protocol.UserRoom(user)}, protocol.Frame{
		Event: protocol.EventNewNotification,
		Room:  protocol.UserRoom(user),
		Data:  data,
	}, nil)
}

// Broadcast pushes a broadcast_notification addressed to target to every
// connected client; clients discard the ones not meant for them.
func (s *Server) Broadcast(target protocol.UserID, data map[string]any) int {
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["target_user_id"] = target
	return s.hub.DeliverAll(protocol.Frame{Event: protocol.EventBroadcastNotification, Data: payload})
}

// DropConnections closes every push channel connection, as a network
// failure would.
func (s *Server) DropConnections() {
	s.hub.DropAll()
}

// RoomSize returns the number of connections joined to room.
func (s *Server) RoomSize(room string) int {
	return s.hub.RoomSize(room)
}

// ClientCount returns the number of connected push channel clients.
func (s *Server) ClientCount() int {
	return s.hub.ClientCount()
}

// Reads returns the mark-read requests user has made.
func (s *Server) Reads(user protocol.UserID) []ReadRecord {
	return s.store.readsOf(user)
}

func bearer(r *http.Request) string {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}

type userHandler func(w http.ResponseWriter, r *http.Request, u User)

func (s *Server) authenticated(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, ok := s.store.userByToken(bearer(r))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "unauthorized"})
			return
		}
		next(w, r, u)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request, u User) {
	writeJSON(w, http.StatusOK, map[string]any{
		"id":        u.ID,
		"firstname": u.Firstname,
		"verified":  u.Verified,
	})
}

func conversationParam(r *http.Request) protocol.ConversationID {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return protocol.ConversationID(id)
}

func messageJSON(conv protocol.ConversationID, m storedMessage) map[string]any {
	return map[string]any{
		"id":              m.ID,
		"conversation_id": conv,
		"sender_id":       m.SenderID,
		"content":         m.Body,
		"sent_at":         m.SentAt.UTC().Format(time.RFC3339Nano),
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, u User) {
	conv := conversationParam(r)
	if _, ok := s.store.participants(conv, u.ID); !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
		return
	}
	msgs := s.store.history(conv)
	out := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, messageJSON(conv, m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request, u User) {
	conv := conversationParam(r)
	participants, ok := s.store.participants(conv, u.ID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
		return
	}
	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Message) == "" {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{"error": "message is required"})
		return
	}
	m, ok := s.store.appendMessage(conv, u.ID, req.Message, time.Now())
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "conversation not found"})
		return
	}

	rooms := []string{protocol.ConversationRoom(conv)}
	for _, p := range participants {
		rooms = append(rooms, protocol.UserRoom(p))
	}
	s.hub.Deliver(rooms, protocol.Frame{
		Event: protocol.EventNewMessage,
		Room:  protocol.ConversationRoom(conv),
		Data: map[string]any{
			"conversation_id": conv,
			"message": map[string]any{
				"id":      m.ID,
				"content": m.Body,
				"sent_at": m.SentAt.UTC().Format(time.RFC3339Nano),
				"sender":  map[string]any{"id": m.SenderID, "firstname": u.Firstname},
			},
		},
	}, nil)

	resp := messageJSON(conv, m)
	delete(resp, "content")
	resp["message"] = m.Body
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request, u User) {
	var (
		target protocol.ReadTarget
		echo   protocol.Frame
	)
	q := r.URL.Query()
	switch id, hasID := mux.Vars(r)["id"]; {
	case hasID:
		target = protocol.ReadNotification(id)
		echo = protocol.Frame{Event: protocol.EventNotificationRead, Data: map[string]any{"notification_id": id}}
	case q.Get("type") != "":
		c, ok := protocol.ParseCategory(q.Get("type"))
		if !ok {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unknown type"})
			return
		}
		target = protocol.ReadCategory(c)
		echo = protocol.Frame{Event: protocol.EventNotificationTypeRead, Data: map[string]any{"notification_type": c.String()}}
	case q.Get("conversation_id") != "":
		conv, err := strconv.ParseInt(q.Get("conversation_id"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "bad conversation_id"})
			return
		}
		target = protocol.ReadConversation(protocol.ConversationID(conv))
	default:
		target = protocol.ReadAll()
		echo = protocol.Frame{Event: protocol.EventAllNotificationsRead}
	}
	s.store.recordRead(ReadRecord{UserID: u.ID, Target: target})
	if echo.Event != protocol.EventUnknown {
		echo.Room = protocol.UserRoom(u.ID)
		s.hub.Deliver([]string{echo.Room}, echo, nil)
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	u, ok := s.store.userByToken(bearer(r))
	if !ok || r.URL.Query().Get("user_id") != strconv.FormatInt(int64(u.ID), 10) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to accept WebSocket connection")
		return
	}

	client := &Client{
		Conn:     newWSConn(wsConn, r.RemoteAddr),
		UserID:   u.ID,
		Outgoing: make(chan []byte, 64),
	}
	s.hub.Register(client)
	s.hub.Send(client, protocol.Frame{Event: protocol.EventConnected, Data: map[string]any{"user_id": u.ID}})

	s.wg.Add(2)
	go s.handleClient(client)
	go s.writeLoop(client)
}

func (s *Server) handleClient(client *Client) {
	defer s.wg.Done()
	defer close(client.Outgoing)
	s.hub.HandleClient(client)
}

func (s *Server) writeLoop(client *Client) {
	defer s.wg.Done()
	for data := range client.Outgoing {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Conn.Write(ctx, data)
		cancel()
		if err != nil {
			s.log.Warn().Err(err).Str("remote", client.Conn.RemoteAddr()).Msg("Failed to write to client")
			client.Conn.Close()
			for range client.Outgoing {
			}
			return
		}
	}
}
