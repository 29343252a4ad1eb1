package client

import (
	"context"

	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
)

// OpenConversation makes conv the active conversation and loads its history.
// When the service does not know conv the conversation is closed again.
func (c *Client) OpenConversation(ctx context.Context, conv protocol.ConversationID) ([]protocol.Message, error) {
	if conv <= 0 {
		return nil, errors.Wrapf(protocol.ErrInvalidConversation, "conversation %d", conv)
	}
	type result struct {
		msgs []protocol.Message
		err  error
	}
	done := make(chan result, 1)
	if err := c.withSession(func() {
		c.agg.SetActiveConversation(conv)
		c.engine.Open(conv)
		c.engine.LoadHistory(ctx, conv, func(msgs []protocol.Message, err error) {
			if errors.Is(err, protocol.ErrInvalidConversation) && c.agg.ActiveConversation() == conv {
				c.closeActive()
			}
			done <- result{msgs, err}
		})
	}); err != nil {
		return nil, err
	}
	select {
	case r := <-done:
		return r.msgs, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CloseConversation clears the active conversation.
func (c *Client) CloseConversation() {
	_ = c.withSession(c.closeActive)
}

func (c *Client) closeActive() {
	conv := c.agg.ActiveConversation()
	if conv == protocol.NoConversation {
		return
	}
	c.presence.StopTyping(conv)
	c.engine.Close(conv)
	c.agg.SetActiveConversation(protocol.NoConversation)
}

// ActiveConversation returns the conversation on screen, or NoConversation.
func (c *Client) ActiveConversation() protocol.ConversationID {
	conv := protocol.NoConversation
	_ = c.withSession(func() { conv = c.agg.ActiveConversation() })
	return conv
}

// SetActiveConversation changes the active conversation without loading history.
func (c *Client) SetActiveConversation(conv protocol.ConversationID) error {
	return c.withSession(func() { c.agg.SetActiveConversation(conv) })
}

// Messages returns the ordered transcript of conv.
func (c *Client) Messages(conv protocol.ConversationID) []protocol.Message {
	var msgs []protocol.Message
	_ = c.withSession(func() { msgs = c.engine.Messages(conv) })
	return msgs
}

// SendMessage sends body to conv and waits for the outcome. On failure the
// returned message is the failed entry, whose LocalID can be retried.
func (c *Client) SendMessage(ctx context.Context, conv protocol.ConversationID, body string) (protocol.Message, error) {
	return c.awaitSend(ctx, func(done func(protocol.Message, error)) {
		c.presence.StopTyping(conv)
		c.engine.SendMessage(ctx, conv, body, done)
	})
}

// RetryMessage re-sends a failed message.
func (c *Client) RetryMessage(ctx context.Context, conv protocol.ConversationID, localID string) (protocol.Message, error) {
	return c.awaitSend(ctx, func(done func(protocol.Message, error)) {
		if err := c.engine.RetryMessage(ctx, conv, localID, done); err != nil {
			done(protocol.Message{}, err)
		}
	})
}

// DiscardMessage drops a failed message.
func (c *Client) DiscardMessage(conv protocol.ConversationID, localID string) error {
	var err error
	if serr := c.withSession(func() { err = c.engine.DiscardMessage(conv, localID) }); serr != nil {
		return serr
	}
	return err
}

func (c *Client) awaitSend(ctx context.Context, start func(done func(protocol.Message, error))) (protocol.Message, error) {
	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	if err := c.withSession(func() {
		start(func(m protocol.Message, err error) { ch <- result{m, err} })
	}); err != nil {
		return protocol.Message{}, err
	}
	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

// NotifyTyping records a keystroke in conv.
func (c *Client) NotifyTyping(conv protocol.ConversationID) {
	_ = c.withSession(func() { c.presence.NotifyTyping(conv) })
}

// IsTyping reports whether the other participant is typing in conv.
func (c *Client) IsTyping(conv protocol.ConversationID) bool {
	var typing bool
	_ = c.withSession(func() { typing = c.engine.IsTyping(conv) })
	return typing
}
