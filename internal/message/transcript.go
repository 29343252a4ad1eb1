package message

import (
	"sort"
	"time"

	"github.com/omochice/matcha-sync/pkg/protocol"
)

// entry is a rendered message plus the local time it entered the transcript.
type entry struct {
	msg protocol.Message
	at  time.Time
}

// settled entries have a fixed place in the order; pending and failed
// sends stay below them until confirmed.
func (e entry) settled() bool {
	return e.msg.Status == protocol.StatusConfirmed
}

// before orders by confirmed id when both have one, else by sent time.
func before(a, b protocol.Message) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID < b.ID
	}
	return a.SentAt.Before(b.SentAt)
}

type transcript struct {
	open    bool
	gen     uint64
	entries []entry
	seen    map[protocol.MessageID]struct{}
}

func newTranscript() *transcript {
	return &transcript{seen: make(map[protocol.MessageID]struct{})}
}

func (t *transcript) hasSeen(id protocol.MessageID) bool {
	_, ok := t.seen[id]
	return ok
}

func (t *transcript) markSeen(id protocol.MessageID) {
	if id != 0 {
		t.seen[id] = struct{}{}
	}
}

func (t *transcript) indexLocal(localID string) int {
	if localID == "" {
		return -1
	}
	for i, e := range t.entries {
		if e.msg.LocalID == localID {
			return i
		}
	}
	return -1
}

func (t *transcript) indexID(id protocol.MessageID) int {
	if id == 0 {
		return -1
	}
	for i, e := range t.entries {
		if e.msg.ID == id {
			return i
		}
	}
	return -1
}

// echoOf returns the entry msg is an echo of, or -1. A message with an id
// matches the oldest pending send with the same sender and body, however
// long ago it started. A message without an id matches any entry that
// entered the transcript within window.
func (t *transcript) echoOf(msg protocol.Message, now time.Time, window time.Duration) int {
	if msg.ID != 0 {
		for i, e := range t.entries {
			if e.msg.Status == protocol.StatusPending && e.msg.SenderID == msg.SenderID && e.msg.Body == msg.Body {
				return i
			}
		}
		return -1
	}
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if now.Sub(e.at) > window {
			continue
		}
		if e.msg.SenderID == msg.SenderID && e.msg.Body == msg.Body {
			return i
		}
	}
	return -1
}

// adopt confirms the pending entry at i with the id of its live echo.
func (t *transcript) adopt(i int, live protocol.Message) {
	m := &t.entries[i].msg
	m.ID = live.ID
	m.Status = protocol.StatusConfirmed
	if !live.SentAt.IsZero() {
		m.SentAt = live.SentAt
	}
	t.markSeen(live.ID)
}

// insert places a settled entry among the settled ones without moving any
// rendered entry relative to another. Duplicate ids are ignored.
func (t *transcript) insert(e entry) {
	if t.indexID(e.msg.ID) >= 0 {
		return
	}
	pos, lastSettled := -1, -1
	for i, cur := range t.entries {
		if !cur.settled() {
			continue
		}
		if pos < 0 && before(e.msg, cur.msg) {
			pos = i
		}
		lastSettled = i
	}
	if pos < 0 {
		pos = lastSettled + 1
	}
	t.entries = append(t.entries, entry{})
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = e
}

func (t *transcript) remove(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

// merge seeds the transcript with fetched history. History is authoritative
// for the ids it contains; other entries are kept in their order.
func (t *transcript) merge(history []protocol.Message, now time.Time) {
	settled := make([]entry, 0, len(history)+len(t.entries))
	inHistory := make(map[protocol.MessageID]struct{}, len(history))
	for _, m := range history {
		if m.ID == 0 {
			continue
		}
		if _, dup := inHistory[m.ID]; dup {
			continue
		}
		inHistory[m.ID] = struct{}{}
		t.markSeen(m.ID)
		m.Origin = protocol.OriginHistory
		m.Status = protocol.StatusConfirmed
		settled = append(settled, entry{msg: m, at: now})
	}

	var unsettled []entry
	for _, e := range t.entries {
		if _, ok := inHistory[e.msg.ID]; ok && e.msg.ID != 0 {
			continue
		}
		if e.settled() {
			settled = append(settled, e)
		} else {
			unsettled = append(unsettled, e)
		}
	}
	sort.SliceStable(settled, func(i, j int) bool {
		return before(settled[i].msg, settled[j].msg)
	})
	t.entries = append(settled, unsettled...)
}

func (t *transcript) messages() []protocol.Message {
	out := make([]protocol.Message, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.msg
	}
	return out
}
