// Copyright 2024-2026 Aiku AI

package connector

import (
	"sync"

	"maunium.net/go/mautrix/id"
)

// eventRing remembers the most recent Matrix event ids so redelivered events
// can be dropped. The oldest id is forgotten when the ring is full.
type eventRing struct {
	mu   sync.Mutex
	buf  []id.EventID
	pos  int
	seen map[id.EventID]struct{}
}

func newEventRing(size int) *eventRing {
	if size <= 0 {
		size = 100
	}
	return &eventRing{
		buf:  make([]id.EventID, size),
		seen: make(map[id.EventID]struct{}, size),
	}
}

// CheckAndAdd reports whether evtID was already seen, recording it if not.
func (r *eventRing) CheckAndAdd(evtID id.EventID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[evtID]; ok {
		return true
	}
	if old := r.buf[r.pos]; old != "" {
		delete(r.seen, old)
	}
	r.buf[r.pos] = evtID
	r.seen[evtID] = struct{}{}
	r.pos = (r.pos + 1) % len(r.buf)
	return false
}
