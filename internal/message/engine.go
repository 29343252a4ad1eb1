// Package message keeps per-conversation transcripts in sync with the
// remote service. History arrives by request/response, new messages by
// push, and locally sent messages start as pending entries; the engine
// merges the three so each logical message is rendered once.
package message

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omochice/matcha-sync/internal/eventloop"
	"github.com/omochice/matcha-sync/internal/observe"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var (
	// ErrStale is reported when a history fetch completes after its
	// conversation was reopened or closed.
	ErrStale = errors.New("conversation view changed before history arrived")

	ErrEmptyBody = errors.New("message body is empty")

	// ErrNotRetryable is reported for retry or discard of an entry that is
	// not in the failed state.
	ErrNotRetryable = errors.New("message is not a failed send")
)

// Remote is the request/response side of the remote service.
type Remote interface {
	History(ctx context.Context, conv protocol.ConversationID) ([]protocol.Message, error)
	Send(ctx context.Context, conv protocol.ConversationID, body string) (protocol.Message, error)
}

// Sink receives every accepted live message for unread accounting.
type Sink interface {
	OnMessage(msg protocol.Message)
}

// TypingSource reports whether someone else is typing in a conversation.
type TypingSource interface {
	IsTyping(conv protocol.ConversationID) bool
}

type Options struct {
	// EchoWindow bounds how far apart in arrival time a message without an
	// id and an existing entry with the same sender and body may be for the
	// former to count as an echo of the latter.
	EchoWindow time.Duration
}

// Engine must only be used from the event loop.
type Engine struct {
	sched  eventloop.Scheduler
	remote Remote
	sink   Sink
	typing TypingSource
	self   protocol.UserID
	opts   Options
	log    zerolog.Logger

	convs   map[protocol.ConversationID]*transcript
	seq     uint64
	changes observe.Registry[protocol.ConversationID]
}

// New creates an Engine for the session user self. sink and typing may be nil.
func New(sched eventloop.Scheduler, remote Remote, sink Sink, typing TypingSource, self protocol.UserID, opts Options, log zerolog.Logger) *Engine {
	if opts.EchoWindow <= 0 {
		opts.EchoWindow = time.Second
	}
	return &Engine{
		sched:  sched,
		remote: remote,
		sink:   sink,
		typing: typing,
		self:   self,
		opts:   opts,
		log:    log.With().Str("component", "message").Logger(),
		convs:  make(map[protocol.ConversationID]*transcript),
	}
}

func (e *Engine) transcript(conv protocol.ConversationID) *transcript {
	tr, ok := e.convs[conv]
	if !ok {
		tr = newTranscript()
		e.convs[conv] = tr
	}
	return tr
}

func (e *Engine) nextGen() uint64 {
	e.seq++
	return e.seq
}

// Open starts synchronizing conv. Any history fetch started before this
// call is discarded when it completes.
func (e *Engine) Open(conv protocol.ConversationID) {
	tr := e.transcript(conv)
	tr.open = true
	tr.gen = e.nextGen()
}

// Close stops synchronizing conv. Entries are kept; live messages are no
// longer appended until the conversation is opened again.
func (e *Engine) Close(conv protocol.ConversationID) {
	tr, ok := e.convs[conv]
	if !ok {
		return
	}
	tr.open = false
	tr.gen = e.nextGen()
}

// Synchronizing reports whether conv is open.
func (e *Engine) Synchronizing(conv protocol.ConversationID) bool {
	tr, ok := e.convs[conv]
	return ok && tr.open
}

// LoadHistory fetches the transcript of conv and merges it with entries
// already present. done receives the merged transcript, or the error that
// prevented any of it from being applied. conv is opened if it is not.
func (e *Engine) LoadHistory(ctx context.Context, conv protocol.ConversationID, done func([]protocol.Message, error)) {
	if done == nil {
		done = func([]protocol.Message, error) {}
	}
	if conv <= 0 {
		done(nil, errors.Wrapf(protocol.ErrInvalidConversation, "conversation %d", conv))
		return
	}
	tr := e.transcript(conv)
	if !tr.open {
		e.Open(conv)
	}
	gen, remote := tr.gen, e.remote
	e.sched.Go(func() func() {
		msgs, err := remote.History(ctx, conv)
		return func() { e.historyLoaded(conv, gen, msgs, err, done) }
	})
}

func (e *Engine) historyLoaded(conv protocol.ConversationID, gen uint64, msgs []protocol.Message, err error, done func([]protocol.Message, error)) {
	tr := e.convs[conv]
	if tr == nil || !tr.open || tr.gen != gen {
		e.log.Debug().Int64("conversation_id", int64(conv)).Msg("Discarding stale history")
		done(nil, ErrStale)
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Int64("conversation_id", int64(conv)).Msg("Failed to load history")
		done(nil, err)
		return
	}
	tr.merge(msgs, e.sched.Now())
	e.log.Debug().Int64("conversation_id", int64(conv)).Int("count", len(tr.entries)).Msg("History loaded")
	e.changes.Emit(conv)
	done(tr.messages(), nil)
}

// HandleFrame applies a new_message frame.
func (e *Engine) HandleFrame(f protocol.Frame) {
	msg, err := protocol.MessageFromWire(f.Data)
	if err != nil {
		e.log.Warn().Err(err).Msg("Dropping new_message frame")
		return
	}
	e.OnLiveMessage(msg)
}

// OnLiveMessage applies one pushed message. It is dropped when it carries
// an id already seen for its conversation, or when it carries no id and an
// entry with the same sender and body arrived within the echo window. A
// message with an id matching one of our own pending sends by content is
// adopted by that entry instead of being rendered a second time.
func (e *Engine) OnLiveMessage(msg protocol.Message) {
	if msg.ConversationID <= 0 {
		e.log.Warn().Msg("Dropping live message without conversation")
		return
	}
	msg.Origin = protocol.OriginLive
	msg.Status = protocol.StatusConfirmed
	msg.LocalID = ""

	now := e.sched.Now()
	tr := e.transcript(msg.ConversationID)
	if msg.ID != 0 && tr.hasSeen(msg.ID) {
		e.log.Debug().Int64("message_id", int64(msg.ID)).Msg("Dropping duplicate message")
		return
	}

	if i := tr.echoOf(msg, now, e.opts.EchoWindow); i >= 0 {
		if msg.ID == 0 {
			e.log.Debug().Int64("conversation_id", int64(msg.ConversationID)).Msg("Dropping echo of recent message")
			return
		}
		if tr.entries[i].msg.Status == protocol.StatusPending && tr.entries[i].msg.SenderID == e.self {
			tr.adopt(i, msg)
			e.changes.Emit(msg.ConversationID)
			e.forward(msg)
			return
		}
	}

	if msg.ID != 0 {
		tr.markSeen(msg.ID)
	}
	if tr.open {
		tr.insert(entry{msg: msg, at: now})
		e.changes.Emit(msg.ConversationID)
	}
	e.forward(msg)
}

func (e *Engine) forward(msg protocol.Message) {
	if e.sink != nil {
		e.sink.OnMessage(msg)
	}
}

// SendMessage creates one pending entry for body and sends it. The entry is
// confirmed in place with the server's response, or marked failed. done,
// if set, receives the confirmed message or the failure. The pending
// entry's local id is returned.
func (e *Engine) SendMessage(ctx context.Context, conv protocol.ConversationID, body string, done func(protocol.Message, error)) string {
	if done == nil {
		done = func(protocol.Message, error) {}
	}
	if conv <= 0 {
		done(protocol.Message{}, errors.Wrapf(protocol.ErrInvalidConversation, "conversation %d", conv))
		return ""
	}
	if strings.TrimSpace(body) == "" {
		done(protocol.Message{}, ErrEmptyBody)
		return ""
	}

	now := e.sched.Now()
	pending := protocol.Message{
		LocalID:        uuid.NewString(),
		ConversationID: conv,
		SenderID:       e.self,
		Body:           body,
		SentAt:         now,
		Origin:         protocol.OriginLocal,
		Status:         protocol.StatusPending,
	}
	tr := e.transcript(conv)
	tr.entries = append(tr.entries, entry{msg: pending, at: now})
	e.changes.Emit(conv)
	e.dispatchSend(ctx, pending, done)
	return pending.LocalID
}

func (e *Engine) dispatchSend(ctx context.Context, pending protocol.Message, done func(protocol.Message, error)) {
	remote := e.remote
	e.sched.Go(func() func() {
		confirmed, err := remote.Send(ctx, pending.ConversationID, pending.Body)
		return func() { e.sent(pending, confirmed, err, done) }
	})
}

func (e *Engine) sent(pending, confirmed protocol.Message, err error, done func(protocol.Message, error)) {
	conv := pending.ConversationID
	tr := e.transcript(conv)
	i := tr.indexLocal(pending.LocalID)

	if err != nil && i >= 0 && tr.entries[i].msg.ID != 0 {
		// The live echo already confirmed this send; the server has it.
		e.log.Info().Err(err).Int64("conversation_id", int64(conv)).Int64("message_id", int64(tr.entries[i].msg.ID)).Msg("Send response failed after live confirmation")
		done(tr.entries[i].msg, nil)
		return
	}
	if err != nil {
		e.log.Warn().Err(err).Int64("conversation_id", int64(conv)).Str("local_id", pending.LocalID).Msg("Send failed")
		failed := pending
		failed.Status = protocol.StatusFailed
		if i >= 0 {
			tr.entries[i].msg.Status = protocol.StatusFailed
			failed = tr.entries[i].msg
			e.changes.Emit(conv)
		}
		done(failed, err)
		return
	}

	confirmed.LocalID = pending.LocalID
	confirmed.ConversationID = conv
	confirmed.Origin = protocol.OriginLocal
	confirmed.Status = protocol.StatusConfirmed
	if confirmed.SenderID == 0 {
		confirmed.SenderID = pending.SenderID
	}
	if confirmed.Body == "" {
		confirmed.Body = pending.Body
	}
	if confirmed.SentAt.IsZero() {
		confirmed.SentAt = pending.SentAt
	}

	switch j := tr.indexID(confirmed.ID); {
	case i >= 0 && j >= 0 && j != i:
		// The live echo was rendered first; the pending entry goes away.
		tr.remove(i)
	case i >= 0:
		if prev := tr.entries[i].msg; prev.ID != 0 && prev.ID != confirmed.ID {
			// The adopted echo was another send with the same body.
			prev.LocalID = ""
			prev.Origin = protocol.OriginLive
			tr.entries[i].msg = confirmed
			tr.insert(entry{msg: prev, at: tr.entries[i].at})
			break
		}
		tr.entries[i].msg = confirmed
	case j < 0 && tr.open:
		tr.insert(entry{msg: confirmed, at: e.sched.Now()})
	}
	tr.markSeen(confirmed.ID)
	e.changes.Emit(conv)
	done(confirmed, nil)
}

// RetryMessage re-sends a failed entry in place.
func (e *Engine) RetryMessage(ctx context.Context, conv protocol.ConversationID, localID string, done func(protocol.Message, error)) error {
	if done == nil {
		done = func(protocol.Message, error) {}
	}
	tr, ok := e.convs[conv]
	if !ok {
		return ErrNotRetryable
	}
	i := tr.indexLocal(localID)
	if i < 0 || tr.entries[i].msg.Status != protocol.StatusFailed {
		return ErrNotRetryable
	}
	tr.entries[i].msg.Status = protocol.StatusPending
	tr.entries[i].at = e.sched.Now()
	e.changes.Emit(conv)
	e.dispatchSend(ctx, tr.entries[i].msg, done)
	return nil
}

// DiscardMessage removes a failed entry.
func (e *Engine) DiscardMessage(conv protocol.ConversationID, localID string) error {
	tr, ok := e.convs[conv]
	if !ok {
		return ErrNotRetryable
	}
	i := tr.indexLocal(localID)
	if i < 0 || tr.entries[i].msg.Status != protocol.StatusFailed {
		return ErrNotRetryable
	}
	tr.remove(i)
	e.changes.Emit(conv)
	return nil
}

// Messages returns the ordered transcript of conv.
func (e *Engine) Messages(conv protocol.ConversationID) []protocol.Message {
	tr, ok := e.convs[conv]
	if !ok {
		return nil
	}
	return tr.messages()
}

// IsTyping reports whether the other participant is typing in conv.
func (e *Engine) IsTyping(conv protocol.ConversationID) bool {
	return e.typing != nil && e.typing.IsTyping(conv)
}

// OnChange registers fn, called with the conversation whose transcript changed.
func (e *Engine) OnChange(fn func(protocol.ConversationID)) *observe.Handle {
	return e.changes.Add(fn)
}

// Reset drops every transcript. In-flight completions find nothing to update.
func (e *Engine) Reset() {
	e.convs = make(map[protocol.ConversationID]*transcript)
}
