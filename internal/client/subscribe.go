package client

import (
	"sync"

	"github.com/omochice/matcha-sync/internal/connection"
	"github.com/omochice/matcha-sync/internal/observe"
	"github.com/omochice/matcha-sync/pkg/protocol"
)

// Subscription is a registration made through the Client. Callbacks run on
// the event loop and must not call back into the Client synchronously.
type Subscription struct {
	c    *Client
	h    *observe.Handle
	once sync.Once
}

// Release removes the registration. Calling it again is a no-op.
func (s *Subscription) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		_ = s.c.call(s.h.Release)
	})
}

func (c *Client) subscribe(add func() *observe.Handle) *Subscription {
	s := &Subscription{c: c}
	if err := c.call(func() { s.h = add() }); err != nil {
		c.log.Warn().Err(err).Msg("Subscribe after loop stopped")
	}
	return s
}

// OnStateChange registers fn for push channel state transitions.
func (c *Client) OnStateChange(fn func(connection.State)) *Subscription {
	return c.subscribe(func() *observe.Handle { return c.states.Add(fn) })
}

// OnTranscriptChange registers fn, called with each conversation whose
// transcript changed.
func (c *Client) OnTranscriptChange(fn func(protocol.ConversationID)) *Subscription {
	return c.subscribe(func() *observe.Handle { return c.transcripts.Add(fn) })
}

// OnNotificationsChange registers fn for any change in notification state.
func (c *Client) OnNotificationsChange(fn func()) *Subscription {
	return c.subscribe(func() *observe.Handle {
		return c.notifications.Add(func(struct{}) { fn() })
	})
}

// OnTyping registers fn for remote typing transitions.
func (c *Client) OnTyping(fn func(protocol.TypingStatus)) *Subscription {
	return c.subscribe(func() *observe.Handle { return c.typing.Add(fn) })
}
