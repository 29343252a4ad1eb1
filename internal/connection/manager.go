package connection

import (
	"context"
	"sort"

	"github.com/cenkalti/backoff/v4"
	"github.com/omochice/matcha-sync/internal/eventloop"
	"github.com/omochice/matcha-sync/internal/observe"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Manager owns the push channel. All methods must be called on the event loop.
type Manager struct {
	sched  eventloop.Scheduler
	dialer Dialer
	opts   Options
	log    zerolog.Logger

	identity protocol.Identity
	state    State
	rooms    map[string]struct{}

	// gen identifies the current dial attempt or live connection; completions
	// and frames carrying an older value are discarded.
	gen     uint64
	conn    Conn
	out     chan []byte
	retry   backoff.BackOff
	timer   eventloop.Timer
	waiters []func(error)
	lastErr error

	handlers map[protocol.EventType]*observe.Registry[protocol.Frame]
	states   observe.Registry[State]
}

// NewManager creates a Manager in the CLOSED state.
func NewManager(sched eventloop.Scheduler, dialer Dialer, opts Options, log zerolog.Logger) *Manager {
	if opts.OutboundBuffer <= 0 {
		opts.OutboundBuffer = 64
	}
	return &Manager{
		sched:    sched,
		dialer:   dialer,
		opts:     opts,
		log:      log.With().Str("component", "connection").Logger(),
		rooms:    make(map[string]struct{}),
		handlers: make(map[protocol.EventType]*observe.Registry[protocol.Frame]),
	}
}

func (m *Manager) State() State {
	return m.state
}

// Degraded reports whether live updates are currently unavailable.
func (m *Manager) Degraded() bool {
	return m.state != StateOpen
}

// Err returns the error that last closed the connection: ErrClosed after
// Disconnect, ErrUnavailable after exhausting reconnects, or the
// authentication failure.
func (m *Manager) Err() error {
	return m.lastErr
}

// Identity returns the identity the connection is bound to, if any.
func (m *Manager) Identity() (protocol.Identity, bool) {
	return m.identity, m.identity.UserID != 0
}

// Rooms returns the joined rooms in sorted order.
func (m *Manager) Rooms() []string {
	out := make([]string, 0, len(m.rooms))
	for room := range m.rooms {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

// Connect opens the channel for id. done is called once with nil when the
// channel is OPEN, or with the error that ended the attempt.
// Connecting again for the same identity is a no-op; a different identity
// tears the current connection down first.
func (m *Manager) Connect(id protocol.Identity, done func(error)) {
	if done == nil {
		done = func(error) {}
	}
	if m.state != StateClosed && m.identity.UserID == id.UserID {
		if m.state == StateOpen {
			done(nil)
		} else {
			m.waiters = append(m.waiters, done)
		}
		return
	}
	if m.state != StateClosed {
		m.log.Info().Int64("user_id", int64(m.identity.UserID)).Msg("Switching identity, closing current connection")
		m.teardown(ErrClosed)
	}

	m.identity = id
	m.lastErr = nil
	m.rooms[protocol.UserRoom(id.UserID)] = struct{}{}
	m.retry = m.newBackOff()
	m.waiters = append(m.waiters, done)
	m.setState(StateConnecting)
	m.dial()
}

// Disconnect closes the channel and clears room membership. It is safe to
// call when already disconnected.
func (m *Manager) Disconnect() {
	if m.state == StateClosed && m.identity.UserID == 0 && len(m.rooms) == 0 {
		return
	}
	m.teardown(ErrClosed)
}

// JoinRoom adds room to the membership set. Joining twice is a no-op.
// While the channel is down the room is joined on the next OPEN.
func (m *Manager) JoinRoom(room string) {
	if room == "" {
		return
	}
	if _, ok := m.rooms[room]; ok {
		return
	}
	m.rooms[room] = struct{}{}
	m.Send(protocol.Frame{Event: protocol.EventJoin, Room: room})
}

// LeaveRoom removes room from the membership set. The identity room is
// never left.
func (m *Manager) LeaveRoom(room string) {
	if m.identity.UserID != 0 && room == protocol.UserRoom(m.identity.UserID) {
		return
	}
	if _, ok := m.rooms[room]; !ok {
		return
	}
	delete(m.rooms, room)
	m.Send(protocol.Frame{Event: protocol.EventLeave, Room: room})
}

// Send queues f for the writer. Frames are dropped, not buffered, while the
// channel is down or the outbound queue is full.
func (m *Manager) Send(f protocol.Frame) bool {
	if m.out == nil {
		m.log.Debug().Str("event", f.Event.String()).Msg("Not connected, dropping frame")
		return false
	}
	data, err := f.Encode()
	if err != nil {
		m.log.Warn().Err(err).Str("event", f.Event.String()).Msg("Failed to encode frame")
		return false
	}
	select {
	case m.out <- data:
		return true
	default:
		m.log.Warn().Str("event", f.Event.String()).Msg("Outbound queue full, dropping frame")
		return false
	}
}

// Subscribe registers fn for frames of type et. Handler panics are logged
// and the frame dropped.
func (m *Manager) Subscribe(et protocol.EventType, fn func(protocol.Frame)) *observe.Handle {
	r, ok := m.handlers[et]
	if !ok {
		r = &observe.Registry[protocol.Frame]{}
		m.handlers[et] = r
	}
	return r.Add(func(f protocol.Frame) {
		defer func() {
			if rec := recover(); rec != nil {
				m.log.Error().Interface("panic", rec).Str("event", f.Event.String()).Msg("Handler panicked, frame dropped")
			}
		}()
		fn(f)
	})
}

// OnStateChange registers fn for every state transition.
func (m *Manager) OnStateChange(fn func(State)) *observe.Handle {
	return m.states.Add(fn)
}

func (m *Manager) setState(s State) {
	if m.state == s {
		return
	}
	m.log.Debug().Str("from", m.state.String()).Str("to", s.String()).Msg("State changed")
	m.state = s
	m.states.Emit(s)
}

func (m *Manager) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.opts.ReconnectDelay
	b.MaxInterval = m.opts.ReconnectDelayMax
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(m.opts.ReconnectAttempts))
}

func (m *Manager) dial() {
	m.gen++
	gen, id, dialer, opts := m.gen, m.identity, m.dialer, m.opts
	m.sched.Go(func() func() {
		conn, err := connectAndAwaitAck(dialer, id, opts)
		return func() { m.dialed(gen, conn, err) }
	})
}

// connectAndAwaitAck dials and waits for the server's connected frame.
func connectAndAwaitAck(dialer Dialer, id protocol.Identity, opts Options) (Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	conn, err := dialer.Dial(ctx, id)
	if err != nil {
		return nil, err
	}

	ackCtx, ackCancel := context.WithTimeout(context.Background(), opts.AckTimeout)
	defer ackCancel()
	data, err := conn.Read(ackCtx)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "no acknowledgment from server")
	}
	f, err := protocol.DecodeFrame(data)
	if err != nil {
		conn.Close()
		return nil, err
	}
	switch f.Event {
	case protocol.EventConnected:
		return conn, nil
	case protocol.EventError:
		conn.Close()
		if code, _ := f.Data["code"].(string); code == "unauthorized" {
			return nil, errors.Wrap(protocol.ErrUnauthorized, "server rejected identity")
		}
		return nil, errors.Errorf("server error before acknowledgment: %v", f.Data["message"])
	default:
		conn.Close()
		return nil, errors.Errorf("unexpected %s frame before acknowledgment", f.Event)
	}
}

func (m *Manager) dialed(gen uint64, conn Conn, err error) {
	if gen != m.gen {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		if errors.Is(err, protocol.ErrUnauthorized) {
			m.log.Error().Err(err).Int64("user_id", int64(m.identity.UserID)).Msg("Authentication failed, not retrying")
			m.teardown(err)
			return
		}
		m.log.Warn().Err(err).Msg("Connect attempt failed")
		m.retryLater()
		return
	}

	m.conn = conn
	m.out = make(chan []byte, m.opts.OutboundBuffer)
	m.retry.Reset()
	m.startIO(gen, conn, m.out)
	for _, room := range m.Rooms() {
		m.Send(protocol.Frame{Event: protocol.EventJoin, Room: room})
	}
	m.log.Info().Str("remote", conn.RemoteAddr()).Strs("rooms", m.Rooms()).Msg("Connected")
	m.setState(StateOpen)
	m.resolve(nil)
}

func (m *Manager) startIO(gen uint64, conn Conn, out chan []byte) {
	log := m.log
	writeTimeout := m.opts.WriteTimeout
	m.sched.Go(func() func() {
		for data := range out {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := conn.Write(ctx, data)
			cancel()
			if err != nil {
				log.Warn().Err(err).Msg("Write failed, closing connection")
				conn.Close()
				for range out {
				}
				return nil
			}
		}
		return nil
	})
	m.sched.Go(func() func() {
		for {
			data, err := conn.Read(context.Background())
			if err != nil {
				return func() { m.dropped(gen, err) }
			}
			frame, err := protocol.DecodeFrame(data)
			if err != nil {
				log.Warn().Err(err).Msg("Dropping malformed frame")
				continue
			}
			m.sched.Post(func() {
				if gen == m.gen {
					m.dispatch(frame)
				}
			})
		}
	})
}

func (m *Manager) dispatch(f protocol.Frame) {
	switch f.Event {
	case protocol.EventUnknown:
		m.log.Debug().Msg("Ignoring frame with unknown event")
		return
	case protocol.EventError:
		m.log.Warn().Interface("data", f.Data).Msg("Server reported an error")
	}
	if r, ok := m.handlers[f.Event]; ok {
		r.Emit(f)
	}
}

func (m *Manager) dropped(gen uint64, err error) {
	if gen != m.gen {
		return
	}
	m.log.Warn().Err(err).Msg("Connection dropped")
	m.closeConn()
	m.retryLater()
}

func (m *Manager) retryLater() {
	d := m.retry.NextBackOff()
	if d == backoff.Stop {
		m.log.Error().Int("attempts", m.opts.ReconnectAttempts).Msg("Reconnect attempts exhausted, giving up")
		m.teardown(ErrUnavailable)
		return
	}
	m.gen++
	gen := m.gen
	m.setState(StateReconnecting)
	m.log.Info().Dur("delay", d).Msg("Reconnecting")
	m.timer = m.sched.AfterFunc(d, func() {
		if gen != m.gen || m.state != StateReconnecting {
			return
		}
		m.timer = nil
		m.dial()
	})
}

func (m *Manager) teardown(err error) {
	m.gen++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.closeConn()
	m.rooms = make(map[string]struct{})
	m.identity = protocol.Identity{}
	m.lastErr = err
	m.resolve(err)
	m.setState(StateClosed)
}

func (m *Manager) closeConn() {
	if m.out != nil {
		close(m.out)
		m.out = nil
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

func (m *Manager) resolve(err error) {
	waiters := m.waiters
	m.waiters = nil
	for _, done := range waiters {
		done(err)
	}
}
