package subsystem

import (
	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/store"
	"github.com/eigerco/approval-voting/internal/voting"
	"github.com/eigerco/approval-voting/internal/wakeup"
	"github.com/eigerco/approval-voting/pkg/log"
)

// changeSet names the records touched since the last persist.
type changeSet struct {
	sessions   bool
	blocks     map[crypto.Hash]struct{}
	candidates map[approval.CandidateKey]struct{}
}

func newChangeSet() changeSet {
	return changeSet{
		blocks:     make(map[crypto.Hash]struct{}),
		candidates: make(map[approval.CandidateKey]struct{}),
	}
}

func (c *changeSet) reset() {
	c.sessions = false
	clear(c.blocks)
	clear(c.candidates)
}

func (s *Subsystem) touch(key approval.CandidateKey) {
	s.changes.candidates[key] = struct{}{}
}

func (s *Subsystem) touchBlock(hash crypto.Hash) {
	s.changes.blocks[hash] = struct{}{}
}

// persist writes the records changed since the last call, so its cost
// follows the size of the change rather than of the state. Failures are
// logged; the in-memory state stays authoritative.
func (s *Subsystem) persist() {
	defer s.changes.reset()
	if s.deps.Snapshots == nil {
		return
	}

	var ch store.Changes
	if s.changes.sessions {
		ch.Sessions = s.window.Entries()
	}
	for hash := range s.changes.blocks {
		if b, ok := s.store.Block(hash); ok {
			ch.Blocks = append(ch.Blocks, b)
		} else {
			ch.RemovedBlocks = append(ch.RemovedBlocks, hash)
		}
	}
	for key := range s.changes.candidates {
		ch.Candidates = append(ch.Candidates, s.candidateChange(key))
	}

	if err := s.deps.Snapshots.Apply(ch); err != nil {
		log.Store.Error().Err(err).Msg("failed to persist approval state")
	}
}

func (s *Subsystem) candidateChange(key approval.CandidateKey) store.CandidateChange {
	change := store.CandidateChange{Key: key}
	c, err := s.store.Candidate(key)
	if err != nil {
		return change
	}
	change.Entry = &c
	if at, ok := s.scheduler.Pending(wakeup.Target{Block: key.Block, Candidate: c.Hash}); ok {
		change.Wakeup = &at
	}
	if st, ok := s.ledger.State(key); ok {
		change.Check = &st
	}
	return change
}

// Load restores the subsystem from the persisted state. Checks that passed
// without a recorded local approval are queued for signing again, checks
// that were still running are restarted by Run and candidates imported
// before their local assignment was certified are certified again.
func (s *Subsystem) Load() error {
	if s.deps.Snapshots == nil {
		return nil
	}
	snap, err := s.deps.Snapshots.Load()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.window.Restore(snap.Sessions); err != nil {
		return err
	}
	if err := s.store.Restore(snap.Blocks, snap.Candidates); err != nil {
		return err
	}
	s.scheduler.Restore(snap.Wakeups)

	checks := make(map[approval.CandidateKey]voting.CheckState, len(snap.Checks))
	for _, c := range snap.Checks {
		checks[c.Key] = c.State
	}
	s.ledger.Restore(checks)

	for _, key := range s.store.Keys() {
		entry, err := s.store.Candidate(key)
		if err != nil {
			continue
		}
		state, tracked := checks[key]
		switch {
		case tracked && state == voting.CheckPassed:
			if a, ok := entry.Assignments[s.cfg.Validator]; !ok || a.State != approval.AssignmentApproved {
				s.enqueueVote(key)
			}
		case tracked && state == voting.CheckPending:
			if entry.Ours != nil && entry.Ours.Triggered {
				s.resume = append(s.resume, key)
			}
		case entry.Ours == nil && !entry.Approved:
			s.requestAssignment(key, entry.Hash)
		}
	}

	s.changes.reset()
	s.updateGauges()
	log.Approval.Info().
		Int("sessions", len(snap.Sessions)).
		Int("blocks", len(snap.Blocks)).
		Int("wakeups", len(snap.Wakeups)).
		Msg("restored approval state")
	return nil
}
