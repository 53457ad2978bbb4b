package session

import (
	"errors"
	"fmt"
)

// RetainedSessions is the number of sessions the window keeps. It covers the
// maximum plausible dispute/approval lag.
const RetainedSessions = 6

var (
	// ErrSessionPruned is returned for a session that has fallen out of the window.
	ErrSessionPruned = errors.New("session pruned")
	// ErrSessionUnknown is returned for a session that has not been observed yet.
	ErrSessionUnknown = errors.New("session unknown")
	// ErrSessionNotNewer is returned when advancing to a session at or below the latest one.
	ErrSessionNotNewer = errors.New("session is not newer than the latest session")
)

// IsStale reports whether err means the referenced session is provably out of date.
func IsStale(err error) bool {
	return errors.Is(err, ErrSessionPruned)
}

// Entry pairs a session index with its metadata.
type Entry struct {
	Index Index
	Info  Info
}

// Window is a bounded ring of the most recent sessions, keyed by session index.
// Eviction happens purely by index comparison on Advance.
//
// Window is not safe for concurrent use; the driver owns it.
type Window struct {
	slots    [RetainedSessions]*Entry
	earliest Index
	latest   Index
	started  bool
	onPrune  []func(Index)
}

func NewWindow() *Window {
	return &Window{}
}

// OnPrune registers fn to be called, in index order, for every session evicted
// by Advance. Callbacks run before Advance returns.
func (w *Window) OnPrune(fn func(Index)) {
	w.onPrune = append(w.onPrune, fn)
}

// Advance appends session idx and evicts every session older than the
// RetainedSessions most recent ones.
func (w *Window) Advance(idx Index, info Info) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("advance to session %d: %w", idx, err)
	}
	if !w.started {
		w.started = true
		w.earliest = idx
		w.latest = idx
		w.slots[w.slot(idx)] = &Entry{Index: idx, Info: info}
		return nil
	}
	if idx <= w.latest {
		return fmt.Errorf("%w: got %d, latest %d", ErrSessionNotNewer, idx, w.latest)
	}

	newEarliest := w.earliest
	if floor := windowStart(idx); floor > newEarliest {
		newEarliest = floor
	}

	var pruned []Index
	for i := w.earliest; i < newEarliest && i <= w.latest; i++ {
		s := w.slot(i)
		if e := w.slots[s]; e != nil && e.Index == i {
			w.slots[s] = nil
			pruned = append(pruned, i)
		}
	}

	gapStart := w.latest + 1
	if gapStart < newEarliest {
		gapStart = newEarliest
	}
	for i := gapStart; i < idx; i++ {
		w.slots[w.slot(i)] = nil
	}

	w.slots[w.slot(idx)] = &Entry{Index: idx, Info: info}
	w.earliest = newEarliest
	w.latest = idx

	for _, p := range pruned {
		for _, fn := range w.onPrune {
			fn(p)
		}
	}
	return nil
}

// Info returns the metadata of session idx.
func (w *Window) Info(idx Index) (Info, error) {
	if !w.started || idx > w.latest {
		return Info{}, fmt.Errorf("%w: %d", ErrSessionUnknown, idx)
	}
	if idx < w.earliest {
		return Info{}, fmt.Errorf("%w: %d, earliest retained %d", ErrSessionPruned, idx, w.earliest)
	}
	e := w.slots[w.slot(idx)]
	if e == nil || e.Index != idx {
		return Info{}, fmt.Errorf("%w: %d", ErrSessionUnknown, idx)
	}
	return e.Info, nil
}

// Earliest returns the oldest retained session index.
func (w *Window) Earliest() (Index, bool) {
	return w.earliest, w.started
}

// Latest returns the newest session index.
func (w *Window) Latest() (Index, bool) {
	return w.latest, w.started
}

// Len is the number of sessions with known metadata.
func (w *Window) Len() int {
	n := 0
	for _, e := range w.slots {
		if e != nil {
			n++
		}
	}
	return n
}

// Entries lists the known sessions in ascending index order.
func (w *Window) Entries() []Entry {
	if !w.started {
		return nil
	}
	var out []Entry
	for i := w.earliest; i <= w.latest; i++ {
		if e := w.slots[w.slot(i)]; e != nil && e.Index == i {
			out = append(out, *e)
		}
		if i == ^Index(0) {
			break
		}
	}
	return out
}

// Restore replaces the window with previously persisted entries without
// firing prune callbacks. Entries must be ascending and span fewer than
// RetainedSessions indices.
func (w *Window) Restore(entries []Entry) error {
	w.slots = [RetainedSessions]*Entry{}
	w.started = false
	if len(entries) == 0 {
		return nil
	}
	first, last := entries[0].Index, entries[len(entries)-1].Index
	if last-first >= RetainedSessions {
		return fmt.Errorf("restore window: sessions %d..%d exceed window size", first, last)
	}
	for i, e := range entries {
		if i > 0 && e.Index <= entries[i-1].Index {
			return fmt.Errorf("restore window: sessions out of order at %d", e.Index)
		}
		if err := e.Info.Validate(); err != nil {
			return fmt.Errorf("restore session %d: %w", e.Index, err)
		}
		entry := e
		w.slots[w.slot(e.Index)] = &entry
	}
	w.started = true
	w.earliest = windowStart(last)
	if w.earliest < first {
		w.earliest = first
	}
	w.latest = last
	return nil
}

func (w *Window) slot(idx Index) int {
	return int(idx % RetainedSessions)
}

func windowStart(latest Index) Index {
	if latest < RetainedSessions-1 {
		return 0
	}
	return latest - (RetainedSessions - 1)
}
