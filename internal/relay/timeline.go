package relay

import (
	"sync"
	"time"
)

// Timeline is the append-only record of admitted requests.
//
// Only the status (plus error and timestamps) of an entry mutates, and only
// forward. When the timeline grows past max, the oldest terminal entries are
// evicted; queued and speaking entries are never evicted, so the timeline may
// temporarily exceed max while a backlog drains.
type Timeline struct {
	mu      sync.RWMutex
	entries []*Entry
	byID    map[uint64]*Entry
	max     int
}

func NewTimeline(max int) *Timeline {
	if max <= 0 {
		max = 100
	}
	return &Timeline{byID: map[uint64]*Entry{}, max: max}
}

// SetMax changes the capacity. Eviction happens on the next append or clear.
func (t *Timeline) SetMax(max int) {
	if max <= 0 {
		return
	}
	t.mu.Lock()
	t.max = max
	t.evictLocked()
	t.mu.Unlock()
}

func (t *Timeline) append(r Request) Entry {
	e := &Entry{Request: r, Status: StateQueued}
	t.mu.Lock()
	t.entries = append(t.entries, e)
	t.byID[r.ID] = e
	t.evictLocked()
	t.mu.Unlock()
	return *e
}

func (t *Timeline) evictLocked() {
	excess := len(t.entries) - t.max
	if excess <= 0 {
		return
	}
	kept := t.entries[:0]
	for _, e := range t.entries {
		if excess > 0 && e.Status.Terminal() {
			delete(t.byID, e.ID)
			excess--
			continue
		}
		kept = append(kept, e)
	}
	clearTail(t.entries, len(kept))
	t.entries = kept
}

// transition moves id to state `to`. Backward or same-rank moves are refused.
func (t *Timeline) transition(id uint64, to State, errText string, at time.Time) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.byID[id]
	if !ok || to.rank() <= e.Status.rank() {
		return Entry{}, false
	}
	e.Status = to
	switch to {
	case StateSpeaking:
		e.StartedAt = &at
	case StateDone, StateFailed:
		e.FinishedAt = &at
		e.Error = errText
	}
	return copyEntry(e), true
}

// Get returns a copy of the entry with the given id.
func (t *Timeline) Get(id uint64) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.byID[id]
	if !ok {
		return Entry{}, false
	}
	return copyEntry(e), true
}

// Entries returns copies in admission order.
func (t *Timeline) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, copyEntry(e))
	}
	return out
}

// Clear removes terminal entries and returns how many were removed.
func (t *Timeline) Clear() int {
	return t.removeTerminal(func(*Entry) bool { return true })
}

// Prune removes terminal entries that finished before cutoff.
func (t *Timeline) Prune(cutoff time.Time) int {
	return t.removeTerminal(func(e *Entry) bool {
		return e.FinishedAt != nil && e.FinishedAt.Before(cutoff)
	})
}

func (t *Timeline) removeTerminal(match func(*Entry) bool) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.entries[:0]
	removed := 0
	for _, e := range t.entries {
		if e.Status.Terminal() && match(e) {
			delete(t.byID, e.ID)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	clearTail(t.entries, len(kept))
	t.entries = kept
	return removed
}

type counts struct {
	total      int
	queued     int
	speakingID uint64
	speaking   int
}

func (t *Timeline) counts() counts {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c := counts{total: len(t.entries)}
	for _, e := range t.entries {
		switch e.Status {
		case StateQueued:
			c.queued++
		case StateSpeaking:
			c.speaking++
			c.speakingID = e.ID
		}
	}
	return c
}

func copyEntry(e *Entry) Entry {
	out := *e
	if e.StartedAt != nil {
		v := *e.StartedAt
		out.StartedAt = &v
	}
	if e.FinishedAt != nil {
		v := *e.FinishedAt
		out.FinishedAt = &v
	}
	return out
}

// clearTail nils out pointers past n so evicted entries can be collected.
func clearTail(s []*Entry, n int) {
	for i := n; i < len(s); i++ {
		s[i] = nil
	}
}
