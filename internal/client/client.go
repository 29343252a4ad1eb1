// Package client composes the session-scoped sync components on one event
// loop and is the goroutine-safe surface the rest of the application uses.
package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/omochice/matcha-sync/internal/api"
	"github.com/omochice/matcha-sync/internal/config"
	"github.com/omochice/matcha-sync/internal/connection"
	"github.com/omochice/matcha-sync/internal/eventloop"
	"github.com/omochice/matcha-sync/internal/message"
	"github.com/omochice/matcha-sync/internal/notify"
	"github.com/omochice/matcha-sync/internal/observe"
	"github.com/omochice/matcha-sync/internal/presence"
	"github.com/omochice/matcha-sync/internal/transport/ws"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrNoSession is returned by session operations before Login or after Logout.
var ErrNoSession = errors.New("no active session")

// Session is the authenticated identity. It exists from a successful
// session check until logout or an authentication failure.
type Session struct {
	UserID   protocol.UserID
	Verified bool
	Name     string
}

// Client is safe for concurrent use. Every call is executed on the event loop.
type Client struct {
	loop *eventloop.Loop
	api  *api.Client
	conn *connection.Manager
	cfg  *config.Config
	log  zerolog.Logger

	// Owned by the loop.
	session  *Session
	presence *presence.Tracker
	engine   *message.Engine
	agg      *notify.Aggregator
	subs     observe.Group

	states        observe.Registry[connection.State]
	transcripts   observe.Registry[protocol.ConversationID]
	notifications observe.Registry[struct{}]
	typing        observe.Registry[protocol.TypingStatus]

	startOnce sync.Once
	closeOnce sync.Once
	started   atomic.Bool
}

// New creates a Client from cfg. Call Start before using it.
func New(cfg *config.Config, log zerolog.Logger) *Client {
	return NewWithDialer(cfg, ws.NewDialer(cfg.Server.SocketURL, cfg.Connection.DialTimeout), log)
}

// NewWithDialer is New with a caller supplied push channel dialer.
func NewWithDialer(cfg *config.Config, dialer connection.Dialer, log zerolog.Logger) *Client {
	loop := eventloop.New(log)
	c := &Client{
		loop: loop,
		api:  api.New(cfg.Server.APIURL, cfg.Server.RequestTimeout, log),
		conn: connection.NewManager(loop, dialer, connection.OptionsFromConfig(cfg.Connection), log),
		cfg:  cfg,
		log:  log.With().Str("component", "client").Logger(),
	}
	c.conn.OnStateChange(c.stateChanged)
	return c
}

// Start runs the event loop until ctx is done or Close is called.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.started.Store(true)
		go func() {
			if err := c.loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.log.Error().Err(err).Msg("Event loop stopped")
			}
		}()
	})
}

// Close ends the session and stops the event loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		// A later Start must not run the loop.
		c.startOnce.Do(func() {})
		if c.started.Load() {
			c.Logout()
		}
		c.loop.Stop()
		c.loop.Wait()
	})
}

func (c *Client) call(fn func()) error {
	return c.loop.Call(context.Background(), fn)
}

// Login checks token with the service, creates the session and opens the
// push channel. It waits for the first connect outcome or ctx. A rejected
// token ends the session and is returned; transport failures are not, the
// session stays up in degraded mode.
func (c *Client) Login(ctx context.Context, token string) (Session, error) {
	c.api.SetToken(token)
	profile, err := c.api.WhoAmI(ctx)
	if err != nil {
		if errors.Is(err, protocol.ErrUnauthorized) {
			c.Logout()
		}
		return Session{}, errors.Wrap(err, "session check failed")
	}

	result := make(chan error, 1)
	var session Session
	if err := c.call(func() {
		session = c.startSession(profile, token, func(err error) { result <- err })
	}); err != nil {
		return Session{}, err
	}

	select {
	case err := <-result:
		if errors.Is(err, protocol.ErrUnauthorized) {
			return Session{}, errors.Wrap(err, "push channel rejected identity")
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("Live updates unavailable")
		}
	case <-ctx.Done():
		c.log.Warn().Msg("Push channel not open yet, continuing in background")
	}
	return session, nil
}

func (c *Client) startSession(p api.Profile, token string, done func(error)) Session {
	id := protocol.Identity{UserID: p.ID, Token: token}
	if c.session != nil && c.session.UserID == p.ID {
		c.conn.Connect(id, done)
		return *c.session
	}
	c.endSession()

	s := &Session{UserID: p.ID, Verified: p.Verified, Name: p.Firstname}
	c.session = s
	c.presence = presence.New(c.loop, c.conn, p.ID, presence.Options{
		TypingIdle:      c.cfg.Presence.TypingIdle,
		RemoteTypingTTL: c.cfg.Presence.RemoteTypingTTL,
	}, c.log)
	c.agg = notify.New(c.loop, c.api, c.conn, p.ID, notify.Options{
		RequestTimeout: c.cfg.Server.RequestTimeout,
	}, c.log)
	c.engine = message.New(c.loop, c.api, c.agg, c.presence, p.ID, message.Options{
		EchoWindow: c.cfg.Sync.EchoWindow,
	}, c.log)

	c.subs.Add(
		c.conn.Subscribe(protocol.EventNewMessage, c.engine.HandleFrame),
		c.conn.Subscribe(protocol.EventTypingStatus, c.presence.HandleFrame),
		c.conn.Subscribe(protocol.EventUserTyping, c.presence.HandleFrame),
		c.conn.Subscribe(protocol.EventNewNotification, c.agg.OnEvent),
		c.conn.Subscribe(protocol.EventBroadcastNotification, c.agg.OnEvent),
		c.conn.Subscribe(protocol.EventNotificationRead, c.agg.OnEvent),
		c.conn.Subscribe(protocol.EventNotificationTypeRead, c.agg.OnEvent),
		c.conn.Subscribe(protocol.EventAllNotificationsRead, c.agg.OnEvent),
		c.engine.OnChange(c.transcripts.Emit),
		c.agg.OnChange(func() { c.notifications.Emit(struct{}{}) }),
		c.presence.OnChange(c.typing.Emit),
	)
	c.log.Info().Int64("user_id", int64(p.ID)).Bool("verified", p.Verified).Msg("Session started")

	c.conn.Connect(id, func(err error) {
		if errors.Is(err, protocol.ErrUnauthorized) {
			c.loop.Defer(func() {
				if c.session == s {
					c.endSession()
				}
			})
		}
		done(err)
	})
	return *s
}

func (c *Client) endSession() {
	if c.session == nil {
		return
	}
	c.log.Info().Int64("user_id", int64(c.session.UserID)).Msg("Session ended")
	c.session = nil
	c.subs.Release()
	c.presence.Reset()
	c.presence, c.engine, c.agg = nil, nil, nil
	c.conn.Disconnect()
	c.api.SetToken("")
	c.notifications.Emit(struct{}{})
}

func (c *Client) stateChanged(s connection.State) {
	if s == connection.StateClosed && c.session != nil && errors.Is(c.conn.Err(), protocol.ErrUnauthorized) {
		c.log.Warn().Msg("Identity rejected on reconnect, ending session")
		c.loop.Defer(func() {
			if c.session != nil && c.conn.State() == connection.StateClosed {
				c.endSession()
			}
		})
	}
	c.states.Emit(s)
}

// Logout ends the session and disconnects. It is safe to call at any time.
func (c *Client) Logout() {
	_ = c.call(c.endSession)
}

// Session returns the current session.
func (c *Client) Session() (Session, bool) {
	var (
		s  Session
		ok bool
	)
	_ = c.call(func() {
		if c.session != nil {
			s, ok = *c.session, true
		}
	})
	return s, ok
}

// Status returns the push channel state.
func (c *Client) Status() connection.State {
	var s connection.State
	_ = c.call(func() { s = c.conn.State() })
	return s
}

// Degraded reports whether live updates are currently unavailable.
func (c *Client) Degraded() bool {
	return c.Status() != connection.StateOpen
}

// withSession runs fn on the loop when a session exists.
func (c *Client) withSession(fn func()) error {
	var missing bool
	if err := c.call(func() {
		if c.session == nil {
			missing = true
			return
		}
		fn()
	}); err != nil {
		return err
	}
	if missing {
		return ErrNoSession
	}
	return nil
}
