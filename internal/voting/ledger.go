package voting

import (
	"fmt"
	"maps"
	"sync"

	"github.com/eigerco/approval-voting/internal/approval"
)

type CheckState uint8

const (
	CheckPending CheckState = iota
	CheckPassed
	CheckFailed
)

// Ledger records the outcome of local candidate checks. The driver writes
// it and the pipeline reads it.
type Ledger struct {
	mu     sync.Mutex
	checks map[approval.CandidateKey]CheckState
}

func NewLedger() *Ledger {
	return &Ledger{checks: make(map[approval.CandidateKey]CheckState)}
}

// Track starts tracking key as pending. Tracking an existing key is a no-op.
func (l *Ledger) Track(key approval.CandidateKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.checks[key]; !ok {
		l.checks[key] = CheckPending
	}
}

// Complete records the check result for a tracked key.
func (l *Ledger) Complete(key approval.CandidateKey, passed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.checks[key]; !ok {
		return fmt.Errorf("%w: %s", approval.ErrUnknownCandidate, key)
	}
	if passed {
		l.checks[key] = CheckPassed
	} else {
		l.checks[key] = CheckFailed
	}
	return nil
}

func (l *Ledger) State(key approval.CandidateKey) (CheckState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.checks[key]
	return s, ok
}

func (l *Ledger) Forget(key approval.CandidateKey) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.checks, key)
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.checks)
}

// Restore replaces the ledger contents.
func (l *Ledger) Restore(entries map[approval.CandidateKey]CheckState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks = maps.Clone(entries)
	if l.checks == nil {
		l.checks = make(map[approval.CandidateKey]CheckState)
	}
}
