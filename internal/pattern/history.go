package pattern

import (
	"sync"
	"time"
)

const defaultHistorySize = 50

type historyEntry struct {
	norm  string
	score int
	at    time.Time
}

// inputHistory keeps the most recent inputs per actor. Each actor holds at
// most size entries; older ones are overwritten.
type inputHistory struct {
	mu     sync.Mutex
	size   int
	actors map[string][]historyEntry
}

func newInputHistory(size int) *inputHistory {
	if size <= 0 {
		size = defaultHistorySize
	}
	return &inputHistory{size: size, actors: make(map[string][]historyEntry)}
}

// snapshot returns a copy of the actor's entries, oldest first.
func (h *inputHistory) snapshot(actor string) []historyEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]historyEntry(nil), h.actors[actor]...)
}

func (h *inputHistory) add(actor string, e historyEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := append(h.actors[actor], e)
	if len(entries) > h.size {
		entries = append([]historyEntry(nil), entries[len(entries)-h.size:]...)
	}
	h.actors[actor] = entries
}

// prune drops actors whose latest input is older than cutoff.
func (h *inputHistory) prune(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for actor, entries := range h.actors {
		if len(entries) == 0 || entries[len(entries)-1].at.Before(cutoff) {
			delete(h.actors, actor)
			n++
		}
	}
	return n
}

func (h *inputHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.actors)
}
