package subsystem

import (
	"context"
	"errors"
	"fmt"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/assignment"
	"github.com/eigerco/approval-voting/internal/chain"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/keystore"
	"github.com/eigerco/approval-voting/internal/message"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
	"github.com/eigerco/approval-voting/internal/voting"
	"github.com/eigerco/approval-voting/internal/wakeup"
	"github.com/eigerco/approval-voting/pkg/log"
)

// HandleUpdate applies one chain-follow notification.
func (s *Subsystem) HandleUpdate(ctx context.Context, u chain.Update) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch u := u.(type) {
	case chain.NewLeaf:
		s.importLeaf(ctx, u)
	case chain.Finalized:
		pruned := s.store.PruneFinalized(u.Hash, u.Number)
		s.dropPruned(pruned)
		log.Approval.Debug().Stringer("block", u.Hash).Int("candidates", len(pruned)).Msg("pruned finalized blocks")
	case chain.Reverted:
		pruned := s.store.PruneReverted(u.Hash)
		s.dropPruned(pruned)
		log.Approval.Info().Stringer("block", u.Hash).Int("candidates", len(pruned)).Msg("pruned reverted blocks")
	}

	s.updateGauges()
	s.persist()
}

func (s *Subsystem) importLeaf(ctx context.Context, leaf chain.NewLeaf) {
	logger := log.Approval.With().
		Stringer("block", leaf.Hash).
		Uint32("session", uint32(leaf.Session)).
		Logger()

	if err := s.catchUp(ctx, leaf.Session); err != nil {
		logger.Warn().Err(err).Msg("failed to import session metadata, dropping block")
		return
	}

	err := s.store.InsertBlock(approval.BlockEntry{
		Hash:       leaf.Hash,
		Parent:     leaf.Parent,
		Number:     leaf.Number,
		Session:    leaf.Session,
		Tick:       leaf.Tick,
		Candidates: leaf.Candidates,
	})
	switch {
	case errors.Is(err, approval.ErrDuplicateBlock):
		logger.Debug().Msg("block already imported")
		return
	case session.IsStale(err):
		logger.Debug().Err(err).Msg("dropping block from pruned session")
		return
	case err != nil:
		logger.Warn().Err(err).Msg("failed to import block")
		return
	}

	s.touchBlock(leaf.Hash)

	now := s.deps.Clock.Now()
	for i, c := range leaf.Candidates {
		key := approval.CandidateKey{Block: leaf.Hash, Index: uint32(i)}
		s.requestAssignment(key, c)
		s.evaluate(ctx, key, now)
	}
	logger.Debug().Int("candidates", len(leaf.Candidates)).Msg("imported block")
}

// catchUp advances the window to idx, fetching every missing session in
// order. At most RetainedSessions sessions are fetched.
func (s *Subsystem) catchUp(ctx context.Context, idx session.Index) error {
	latest, ok := s.window.Latest()
	if ok && idx <= latest {
		return nil
	}
	start := idx
	if ok {
		start = latest + 1
	}
	if idx-start >= session.RetainedSessions {
		start = idx - (session.RetainedSessions - 1)
	}

	for i := start; i <= idx; i++ {
		info, err := s.deps.Sessions.SessionInfo(ctx, i)
		if err != nil {
			return fmt.Errorf("fetch session %d: %w", i, err)
		}
		if err := s.window.Advance(i, info); err != nil {
			return err
		}
		s.changes.sessions = true
		log.Approval.Info().Uint32("session", uint32(i)).Int("validators", len(info.Validators)).Msg("new session")
	}
	return nil
}

// requestAssignment queues the certification of the local assignment to a
// candidate. The pipeline signs it and HandleOutcome records it.
func (s *Subsystem) requestAssignment(key approval.CandidateKey, candidate crypto.Hash) {
	b, ok := s.store.Block(key.Block)
	if !ok {
		return
	}
	info, err := s.window.Info(b.Session)
	if err != nil {
		return
	}
	if _, ok := info.ValidatorKey(s.cfg.Validator); !ok {
		return
	}
	s.backlog = append(s.backlog, voting.Request{
		Kind:      voting.KindAssignment,
		Validator: s.cfg.Validator,
		Key:       key,
		Candidate: candidate,
		Session:   b.Session,
		Info:      info,
	})
}

func (s *Subsystem) pruneSession(idx session.Index) {
	pruned := s.store.PruneSession(idx)
	s.dropPruned(pruned)
	log.Approval.Info().Uint32("session", uint32(idx)).Int("candidates", len(pruned)).Msg("pruned session")
}

// dropPruned makes every reference to pruned candidates inert. Requests
// already queued for the pipeline resolve to ErrUnknownCandidate.
func (s *Subsystem) dropPruned(pruned []approval.PrunedCandidate) {
	for _, p := range pruned {
		s.scheduler.Remove(wakeup.Target{Block: p.Key.Block, Candidate: p.Hash})
		s.ledger.Forget(p.Key)
		s.tracker.Forget(p.Key)
		s.touch(p.Key)
	}
}

// ProcessWakeups handles every wakeup due at now.
func (s *Subsystem) ProcessWakeups(ctx context.Context, now tick.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.scheduler.NextDue(now)
	for _, target := range due {
		s.deps.Metrics.WakeupFired()
		key, ok := s.store.Lookup(target.Block, target.Candidate)
		if !ok {
			continue
		}
		s.evaluate(ctx, key, now)
	}
	if len(due) > 0 {
		s.updateGauges()
		s.persist()
	}
}

// evaluate marks no-shows, extends tranche coverage, triggers the local
// assignment when it is due and programs the next wakeup.
func (s *Subsystem) evaluate(ctx context.Context, key approval.CandidateKey, now tick.Tick) {
	report, err := s.store.CheckNoShows(key, now, s.deps.Criteria)
	if err != nil {
		s.inconsistent(key, err)
		return
	}
	logger := candidateLogger(key)
	if n := len(report.NoShows); n > 0 {
		s.deps.Metrics.NoShows(n)
		logger.Info().Interface("validators", report.NoShows).Uint64("tick", uint64(now)).Msg("no-shows detected")
	}
	if len(report.Activated) > 0 {
		logger.Debug().Interface("tranches", report.Activated).Msg("activated tranches")
	}

	if s.store.OurDue(key, now, s.deps.Criteria) {
		s.trigger(ctx, key)
	}
	s.reschedule(key, now)
}

func (s *Subsystem) reschedule(key approval.CandidateKey, now tick.Tick) {
	s.touch(key)
	at, ok, err := s.store.NextWakeup(key, now, s.deps.Criteria)
	if err != nil || !ok {
		return
	}
	target, ok := s.target(key)
	if !ok {
		return
	}
	s.scheduler.Schedule(at, target)
}

func (s *Subsystem) target(key approval.CandidateKey) (wakeup.Target, bool) {
	c, err := s.store.Candidate(key)
	if err != nil {
		return wakeup.Target{}, false
	}
	return wakeup.Target{Block: key.Block, Candidate: c.Hash}, true
}

// trigger queues the local assignment for broadcast and starts the local
// check.
func (s *Subsystem) trigger(ctx context.Context, key approval.CandidateKey) {
	logger := candidateLogger(key)
	c, err := s.store.Candidate(key)
	if err != nil || c.Ours == nil {
		return
	}
	ours := *c.Ours

	err = s.store.RecordAssignment(key, s.cfg.Validator, ours.Tranche)
	if err != nil && !errors.Is(err, approval.ErrDuplicateAssignment) {
		logger.Warn().Err(err).Msg("failed to record local assignment")
		return
	}
	if err := s.store.MarkTriggered(key); err != nil {
		logger.Warn().Err(err).Msg("failed to mark assignment triggered")
		return
	}
	s.deps.Metrics.AssignmentTriggered()
	logger.Debug().Uint32("tranche", ours.Tranche).Msg("triggered local assignment")

	s.outbox.push(outboundMessage{assignment: &message.Assignment{
		Block:          key.Block,
		CandidateIndex: key.Index,
		Validator:      uint32(s.cfg.Validator),
		Tranche:        ours.Tranche,
		Cert:           ours.Cert,
	}})

	s.startCheck(ctx, key)
}

func (s *Subsystem) startCheck(ctx context.Context, key approval.CandidateKey) {
	target, ok := s.target(key)
	if !ok {
		return
	}
	s.spawn(func() error {
		passed, err := s.deps.Checker.Check(ctx, key, target.Candidate)
		select {
		case s.checks <- CheckResult{Key: key, Passed: passed, Err: err}:
		case <-ctx.Done():
		}
		return nil
	})
}

// HandleCheckResult records a local check outcome and queues the approval
// vote when it passed.
func (s *Subsystem) HandleCheckResult(res CheckResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.touch(res.Key)
	logger := candidateLogger(res.Key)
	if res.Err != nil {
		logger.Warn().Err(res.Err).Msg("local check errored")
		res.Passed = false
	}
	if err := s.ledger.Complete(res.Key, res.Passed); err != nil {
		logger.Debug().Err(err).Msg("dropping check result for pruned candidate")
		return
	}
	if res.Passed {
		s.enqueueVote(res.Key)
	} else {
		logger.Warn().Msg("local check failed, withholding approval")
	}
	s.persist()
}

func (s *Subsystem) enqueueVote(key approval.CandidateKey) {
	c, err := s.store.Candidate(key)
	if err != nil {
		return
	}
	b, ok := s.store.Block(key.Block)
	if !ok {
		return
	}
	s.backlog = append(s.backlog, voting.Request{
		Validator: s.cfg.Validator,
		Key:       key,
		Candidate: c.Hash,
		Session:   b.Session,
	})
}

// HandleOutcome applies a pipeline result: a certified local assignment is
// recorded and evaluated, a signed vote is recorded and gossiped. Failed and
// stale outcomes are dropped.
func (s *Subsystem) HandleOutcome(ctx context.Context, out voting.Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if out.Request.Kind == voting.KindAssignment {
		s.assigned(ctx, out)
	} else {
		s.voted(out)
	}
	s.updateGauges()
	s.persist()
}

func (s *Subsystem) assigned(ctx context.Context, out voting.Outcome) {
	key := out.Request.Key
	logger := candidateLogger(key)
	switch {
	case errors.Is(out.Err, keystore.ErrKeyUnavailable), errors.Is(out.Err, assignment.ErrUnknownValidator):
		logger.Debug().Err(out.Err).Msg("not assigned to candidate")
		return
	case out.Err != nil:
		logger.Warn().Err(out.Err).Msg("failed to compute local assignment")
		return
	}

	c, err := s.store.Candidate(key)
	switch {
	case err != nil || c.Hash != out.Request.Candidate:
		logger.Debug().Msg("dropping assignment for pruned candidate")
		return
	case c.Ours != nil:
		return
	}
	if err := s.store.SetOurAssignment(key, approval.OurAssignment{Tranche: out.Cert.Tranche, Cert: out.Cert.Proof}); err != nil {
		logger.Warn().Err(err).Msg("failed to record local assignment")
		return
	}
	s.ledger.Track(key)
	s.evaluate(ctx, key, s.deps.Clock.Now())
}

func (s *Subsystem) voted(out voting.Outcome) {
	key := out.Request.Key
	logger := candidateLogger(key)
	if out.Err != nil {
		s.deps.Metrics.VoteFailed(errReason(out.Err))
		switch {
		case errors.Is(out.Err, approval.ErrUnknownCandidate):
			logger.Debug().Err(out.Err).Msg("dropping vote for pruned candidate")
		default:
			logger.Warn().Err(out.Err).Msg("approval vote not produced")
		}
		return
	}

	before, _ := s.store.ApprovalStatus(key)
	status, err := s.store.RecordApproval(key, out.Vote.Validator)
	if err != nil {
		if errors.Is(err, approval.ErrUnknownCandidate) {
			s.deps.Metrics.VoteFailed(errReason(err))
			logger.Debug().Err(err).Msg("dropping vote for pruned candidate")
			return
		}
		s.inconsistent(key, err)
		return
	}
	s.deps.Metrics.VoteSigned()
	s.noteStatus(key, before, status)

	s.outbox.push(outboundMessage{approval: &message.Approval{
		Block:          key.Block,
		CandidateIndex: key.Index,
		Validator:      uint32(out.Vote.Validator),
		Signature:      out.Vote.Signature,
	}})
	s.reschedule(key, s.deps.Clock.Now())
}

// HandleInbound imports a peer's assignment or approval.
func (s *Subsystem) HandleInbound(_ context.Context, in message.Inbound) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case in.Assignment != nil:
		s.importAssignment(*in.Assignment)
	case in.Approval != nil:
		s.importApproval(*in.Approval)
	default:
		return
	}
	s.updateGauges()
	s.persist()
}

// resolve looks up the candidate, block and session a message refers to.
func (s *Subsystem) resolve(key approval.CandidateKey, kind string) (approval.CandidateEntry, approval.BlockEntry, session.Info, bool) {
	c, err := s.store.Candidate(key)
	if err != nil {
		s.inconsistent(key, err)
		return approval.CandidateEntry{}, approval.BlockEntry{}, session.Info{}, false
	}
	b, _ := s.store.Block(key.Block)
	info, err := s.window.Info(b.Session)
	if err != nil {
		s.deps.Metrics.MessageRejected(kind)
		candidateLogger(key).Debug().Err(err).Str("kind", kind).Msg("dropping message for stale session")
		return approval.CandidateEntry{}, approval.BlockEntry{}, session.Info{}, false
	}
	return c, b, info, true
}

func (s *Subsystem) importAssignment(a message.Assignment) {
	key := approval.CandidateKey{Block: a.Block, Index: a.CandidateIndex}
	v := session.ValidatorIndex(a.Validator)
	c, _, info, ok := s.resolve(key, "assignment")
	if !ok {
		return
	}

	if err := s.deps.Criteria.Verify(v, a.Block, c.Hash, info, assignment.Cert{Tranche: a.Tranche, Proof: a.Cert}); err != nil {
		s.deps.Metrics.MessageRejected("assignment")
		candidateLogger(key).Debug().Err(err).Uint32("validator", a.Validator).Msg("rejected assignment")
		return
	}
	if err := s.store.RecordAssignment(key, v, a.Tranche); err != nil {
		s.inconsistent(key, err)
		return
	}
	s.deps.Metrics.AssignmentImported()
	s.reschedule(key, s.deps.Clock.Now())
}

func (s *Subsystem) importApproval(a message.Approval) {
	key := approval.CandidateKey{Block: a.Block, Index: a.CandidateIndex}
	v := session.ValidatorIndex(a.Validator)
	c, b, info, ok := s.resolve(key, "approval")
	if !ok {
		return
	}

	vote := voting.Vote{Validator: v, Key: key, Candidate: c.Hash, Session: b.Session, Signature: a.Signature}
	if err := vote.Verify(info); err != nil {
		s.deps.Metrics.MessageRejected("approval")
		candidateLogger(key).Debug().Err(err).Uint32("validator", a.Validator).Msg("rejected approval")
		return
	}

	before, _ := s.store.ApprovalStatus(key)
	status, err := s.store.RecordApproval(key, v)
	if err != nil {
		s.inconsistent(key, err)
		return
	}
	s.deps.Metrics.ApprovalImported()
	s.noteStatus(key, before, status)
	s.reschedule(key, s.deps.Clock.Now())
}

func (s *Subsystem) noteStatus(key approval.CandidateKey, before, after approval.Status) {
	if after != approval.StatusApproved || before == approval.StatusApproved {
		return
	}
	s.deps.Metrics.CandidateApproved()
	if target, ok := s.target(key); ok {
		s.scheduler.Remove(target)
	}
	candidateLogger(key).Info().Msg("candidate approved")
}

// inconsistent logs a reference to unknown or already resolved state. Keys
// that keep recurring are logged at warn level.
func (s *Subsystem) inconsistent(key approval.CandidateKey, err error) {
	if !approval.IsStateInconsistency(err) {
		candidateLogger(key).Warn().Err(err).Msg("unexpected store error")
		return
	}
	s.deps.Metrics.Inconsistency()
	n, loud := s.tracker.Observe(key)
	ev := log.Approval.Debug()
	if loud {
		ev = log.Approval.Warn()
	}
	ev.Err(err).Stringer("candidate", key).Int("occurrences", n).Msg("state inconsistency")
}
