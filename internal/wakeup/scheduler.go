package wakeup

import (
	"github.com/google/btree"

	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/tick"
)

const defaultTreeDegree = 2

// Target is the (relay block, candidate) pair a wakeup refers to.
type Target struct {
	Block     crypto.Hash
	Candidate crypto.Hash
}

// Entry is a pending wakeup.
type Entry struct {
	At     tick.Tick
	Target Target
}

// Less orders entries by tick, then by block and candidate hash so that
// every entry has a distinct position in the tree.
func (e Entry) Less(o Entry) bool {
	if e.At != o.At {
		return e.At < o.At
	}
	if c := e.Target.Block.Compare(o.Target.Block); c != 0 {
		return c < 0
	}
	return e.Target.Candidate.Compare(o.Target.Candidate) < 0
}

var _ btree.LessFunc[Entry] = Entry.Less

// Scheduler is a time-ordered set of wake obligations with at most one
// pending entry per target. Not safe for concurrent use.
type Scheduler struct {
	tree    *btree.BTreeG[Entry]
	pending map[Target]tick.Tick
}

func NewScheduler() *Scheduler {
	return &Scheduler{
		tree:    btree.NewG(defaultTreeDegree, Entry.Less),
		pending: make(map[Target]tick.Tick),
	}
}

// Schedule registers a wakeup for target at tick at. When the target already
// has a pending wakeup the earlier of the two is kept. It reports whether the
// schedule changed.
func (s *Scheduler) Schedule(at tick.Tick, target Target) bool {
	if cur, ok := s.pending[target]; ok {
		if cur <= at {
			return false
		}
		s.tree.Delete(Entry{At: cur, Target: target})
	}
	s.tree.ReplaceOrInsert(Entry{At: at, Target: target})
	s.pending[target] = at
	return true
}

// NextDue removes and returns, in tick order, every target due at or before now.
func (s *Scheduler) NextDue(now tick.Tick) []Target {
	var due []Target
	for {
		e, ok := s.tree.Min()
		if !ok || e.At > now {
			return due
		}
		s.tree.DeleteMin()
		delete(s.pending, e.Target)
		due = append(due, e.Target)
	}
}

// Next returns the tick of the earliest pending wakeup.
func (s *Scheduler) Next() (tick.Tick, bool) {
	e, ok := s.tree.Min()
	if !ok {
		return 0, false
	}
	return e.At, true
}

// Pending returns the tick at which target is scheduled.
func (s *Scheduler) Pending(target Target) (tick.Tick, bool) {
	at, ok := s.pending[target]
	return at, ok
}

func (s *Scheduler) Remove(target Target) bool {
	at, ok := s.pending[target]
	if !ok {
		return false
	}
	s.tree.Delete(Entry{At: at, Target: target})
	delete(s.pending, target)
	return true
}

func (s *Scheduler) Len() int { return s.tree.Len() }

// Restore replaces the pending set. Duplicate targets collapse to the earliest tick.
func (s *Scheduler) Restore(entries []Entry) {
	s.tree.Clear(false)
	clear(s.pending)
	for _, e := range entries {
		s.Schedule(e.At, e.Target)
	}
}
