// Package presence tracks ephemeral typing signals in both directions.
//
// Local typing is a debounce with two states per conversation. IDLE becomes
// TYPING on the first NotifyTyping call, which emits typing=true; further
// calls only push the idle deadline back. When the deadline passes with no
// further call the tracker emits typing=false once and returns to IDLE.
//
// Remote typing is kept per user and expires after a TTL when the matching
// typing=false never arrives.
package presence

import (
	"time"

	"github.com/omochice/matcha-sync/internal/eventloop"
	"github.com/omochice/matcha-sync/internal/observe"
	"github.com/omochice/matcha-sync/pkg/protocol"
	"github.com/rs/zerolog"
)

// Sender delivers frames on the push channel without blocking.
// *connection.Manager satisfies it.
type Sender interface {
	Send(f protocol.Frame) bool
}

// Options configures the debounce and the remote expiry.
type Options struct {
	TypingIdle      time.Duration
	RemoteTypingTTL time.Duration
}

type debounce struct {
	timer eventloop.Timer
	gen   uint64
}

type remoteEntry struct {
	timer eventloop.Timer
	gen   uint64
}

// Tracker must only be used from the event loop.
type Tracker struct {
	sched  eventloop.Scheduler
	sender Sender
	self   protocol.UserID
	opts   Options
	log    zerolog.Logger

	local   map[protocol.ConversationID]*debounce
	remote  map[protocol.ConversationID]map[protocol.UserID]*remoteEntry
	seq     uint64
	changes observe.Registry[protocol.TypingStatus]
}

// New creates a Tracker emitting signals on behalf of self.
func New(sched eventloop.Scheduler, sender Sender, self protocol.UserID, opts Options, log zerolog.Logger) *Tracker {
	if opts.TypingIdle <= 0 {
		opts.TypingIdle = 2 * time.Second
	}
	if opts.RemoteTypingTTL <= 0 {
		opts.RemoteTypingTTL = 5 * time.Second
	}
	return &Tracker{
		sched:  sched,
		sender: sender,
		self:   self,
		opts:   opts,
		log:    log.With().Str("component", "presence").Logger(),
		local:  make(map[protocol.ConversationID]*debounce),
		remote: make(map[protocol.ConversationID]map[protocol.UserID]*remoteEntry),
	}
}

// NotifyTyping records a keystroke in conv.
func (t *Tracker) NotifyTyping(conv protocol.ConversationID) {
	if conv <= 0 {
		return
	}
	d, ok := t.local[conv]
	if !ok {
		d = &debounce{}
		t.local[conv] = d
		t.emit(conv, true)
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	t.seq++
	d.gen = t.seq
	gen := d.gen
	d.timer = t.sched.AfterFunc(t.opts.TypingIdle, func() {
		cur, ok := t.local[conv]
		if !ok || cur.gen != gen {
			return
		}
		delete(t.local, conv)
		t.emit(conv, false)
	})
}

// StopTyping ends a TYPING period early, e.g. when the message is sent.
func (t *Tracker) StopTyping(conv protocol.ConversationID) {
	d, ok := t.local[conv]
	if !ok {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	delete(t.local, conv)
	t.emit(conv, false)
}

// LocallyTyping reports whether conv is in the TYPING state.
func (t *Tracker) LocallyTyping(conv protocol.ConversationID) bool {
	_, ok := t.local[conv]
	return ok
}

func (t *Tracker) emit(conv protocol.ConversationID, typing bool) {
	t.sender.Send(protocol.Frame{
		Event: protocol.EventTyping,
		Room:  protocol.ConversationRoom(conv),
		Data: map[string]any{
			"conversation_id": conv,
			"user_id":         t.self,
			"is_typing":       typing,
		},
	})
}

// HandleFrame applies a typing_status or user_typing frame.
func (t *Tracker) HandleFrame(f protocol.Frame) {
	ts, err := protocol.TypingFromWire(f.Data)
	if err != nil {
		t.log.Warn().Err(err).Str("event", f.Event.String()).Msg("Dropping typing frame")
		return
	}
	t.OnRemoteTyping(ts)
}

// OnRemoteTyping applies a typing signal from another participant.
func (t *Tracker) OnRemoteTyping(ts protocol.TypingStatus) {
	if ts.UserID == t.self {
		return
	}
	users := t.remote[ts.ConversationID]
	entry, known := users[ts.UserID]

	if !ts.Typing {
		if !known {
			return
		}
		t.forget(ts.ConversationID, ts.UserID, entry)
		return
	}

	if !known {
		if users == nil {
			users = make(map[protocol.UserID]*remoteEntry)
			t.remote[ts.ConversationID] = users
		}
		entry = &remoteEntry{}
		users[ts.UserID] = entry
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	t.seq++
	entry.gen = t.seq
	gen := entry.gen
	entry.timer = t.sched.AfterFunc(t.opts.RemoteTypingTTL, func() {
		cur, ok := t.remote[ts.ConversationID][ts.UserID]
		if !ok || cur.gen != gen {
			return
		}
		t.log.Debug().Int64("conversation_id", int64(ts.ConversationID)).Int64("user_id", int64(ts.UserID)).Msg("Remote typing expired")
		t.forget(ts.ConversationID, ts.UserID, cur)
	})
	if !known {
		t.changes.Emit(ts)
	}
}

func (t *Tracker) forget(conv protocol.ConversationID, user protocol.UserID, entry *remoteEntry) {
	if entry.timer != nil {
		entry.timer.Stop()
	}
	users := t.remote[conv]
	delete(users, user)
	if len(users) == 0 {
		delete(t.remote, conv)
	}
	t.changes.Emit(protocol.TypingStatus{ConversationID: conv, UserID: user, Typing: false})
}

// IsTyping reports whether another participant is typing in conv.
func (t *Tracker) IsTyping(conv protocol.ConversationID) bool {
	return len(t.remote[conv]) > 0
}

// OnChange registers fn for remote typing transitions.
func (t *Tracker) OnChange(fn func(protocol.TypingStatus)) *observe.Handle {
	return t.changes.Add(fn)
}

// Reset stops every timer without emitting anything.
func (t *Tracker) Reset() {
	for conv, d := range t.local {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(t.local, conv)
	}
	for conv, users := range t.remote {
		for _, e := range users {
			if e.timer != nil {
				e.timer.Stop()
			}
		}
		delete(t.remote, conv)
	}
}
