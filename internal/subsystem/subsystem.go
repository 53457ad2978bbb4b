// Package subsystem runs the approval-voting driver: a single event loop
// that turns chain updates, peer messages, due wakeups, local check results
// and signed votes into state store mutations and scheduler reprogramming.
package subsystem

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/assignment"
	"github.com/eigerco/approval-voting/internal/chain"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/keystore"
	"github.com/eigerco/approval-voting/internal/message"
	"github.com/eigerco/approval-voting/internal/metrics"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/store"
	"github.com/eigerco/approval-voting/internal/tick"
	"github.com/eigerco/approval-voting/internal/voting"
	"github.com/eigerco/approval-voting/internal/wakeup"
	"github.com/eigerco/approval-voting/pkg/log"
)

const sendTimeout = 5 * time.Second

// Outbound delivers locally produced messages to peers.
type Outbound interface {
	SendAssignment(ctx context.Context, a message.Assignment) error
	SendApproval(ctx context.Context, a message.Approval) error
}

// SessionSource supplies metadata for sessions the window has not seen.
type SessionSource interface {
	SessionInfo(ctx context.Context, idx session.Index) (session.Info, error)
}

// Checker runs the local validity check of a candidate the node is
// assigned to.
type Checker interface {
	Check(ctx context.Context, key approval.CandidateKey, candidate crypto.Hash) (bool, error)
}

type CheckerFunc func(ctx context.Context, key approval.CandidateKey, candidate crypto.Hash) (bool, error)

func (f CheckerFunc) Check(ctx context.Context, key approval.CandidateKey, candidate crypto.Hash) (bool, error) {
	return f(ctx, key, candidate)
}

// CheckResult is the outcome of one local check.
type CheckResult struct {
	Key    approval.CandidateKey
	Passed bool
	Err    error
}

type Config struct {
	Validator              session.ValidatorIndex
	PipelineCapacity       int
	InconsistencyCacheSize int
	InconsistencyWarnAfter int
}

// Deps are the collaborators of the driver. Snapshots and Metrics are
// optional.
type Deps struct {
	Clock     tick.Clock
	Criteria  assignment.Criteria
	Signer    keystore.Signer
	Sessions  SessionSource
	Checker   Checker
	Outbound  Outbound
	Snapshots *store.Snapshots
	Metrics   *metrics.Metrics
}

// Subsystem owns the session window, the candidate store, the wakeup
// scheduler and the vote pipeline. All state is mutated under mu by the
// driver; queries from other goroutines take the same lock. The driver never
// signs or sends while holding mu: signing happens in the pipeline and sends
// in the outbox.
type Subsystem struct {
	cfg  Config
	deps Deps

	mu        sync.Mutex
	window    *session.Window
	store     *approval.Store
	scheduler *wakeup.Scheduler
	ledger    *voting.Ledger
	pipeline  *voting.Pipeline
	tracker   *approval.InconsistencyTracker
	outbox    *outbox
	changes   changeSet

	checks   chan CheckResult
	outcomes chan voting.Outcome
	backlog  []voting.Request
	resume   []approval.CandidateKey
	group    *errgroup.Group
}

func New(cfg Config, deps Deps) (*Subsystem, error) {
	switch {
	case deps.Clock == nil:
		return nil, errors.New("clock required")
	case deps.Criteria == nil:
		return nil, errors.New("assignment criteria required")
	case deps.Signer == nil:
		return nil, errors.New("signer required")
	case deps.Sessions == nil:
		return nil, errors.New("session source required")
	case deps.Checker == nil:
		return nil, errors.New("checker required")
	case deps.Outbound == nil:
		return nil, errors.New("outbound required")
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.Noop()
	}
	if cfg.PipelineCapacity <= 0 {
		cfg.PipelineCapacity = voting.DefaultCapacity
	}
	if cfg.InconsistencyCacheSize <= 0 {
		cfg.InconsistencyCacheSize = 1024
	}

	tracker, err := approval.NewInconsistencyTracker(cfg.InconsistencyCacheSize, cfg.InconsistencyWarnAfter)
	if err != nil {
		return nil, err
	}

	window := session.NewWindow()
	ledger := voting.NewLedger()
	s := &Subsystem{
		cfg:       cfg,
		deps:      deps,
		window:    window,
		store:     approval.NewStore(window),
		scheduler: wakeup.NewScheduler(),
		ledger:    ledger,
		pipeline:  voting.NewPipeline(cfg.PipelineCapacity, deps.Signer, deps.Criteria, ledger),
		tracker:   tracker,
		outbox:    newOutbox(deps.Outbound),
		changes:   newChangeSet(),
		checks:    make(chan CheckResult, cfg.PipelineCapacity),
		outcomes:  make(chan voting.Outcome, cfg.PipelineCapacity),
	}
	window.OnPrune(s.pruneSession)
	s.store.OnRemoveBlock(s.touchBlock)
	return s, nil
}

// Run drives the subsystem until ctx is cancelled. The vote pipeline, the
// outbox and local checks run in their own goroutines; Run waits for all of
// them.
func (s *Subsystem) Run(ctx context.Context, updates <-chan chain.Update, inbound <-chan message.Inbound) error {
	g, ctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	s.group = g
	for _, key := range s.resume {
		s.startCheck(ctx, key)
	}
	s.resume = nil
	s.mu.Unlock()

	g.Go(func() error {
		return s.pipeline.Run(ctx, s.outcomes)
	})
	g.Go(func() error {
		return s.outbox.run(ctx)
	})
	g.Go(func() error {
		return s.loop(ctx, updates, inbound)
	})
	return g.Wait()
}

func (s *Subsystem) loop(ctx context.Context, updates <-chan chain.Update, inbound <-chan message.Inbound) error {
	for {
		s.mu.Lock()
		timer := s.wakeupTimer()
		var (
			requests chan<- voting.Request
			next     voting.Request
		)
		if len(s.backlog) > 0 {
			requests = s.pipeline.Requests()
			next = s.backlog[0]
		}
		s.mu.Unlock()

		var fired <-chan time.Time
		if timer != nil {
			fired = timer.C
		}

		select {
		case <-ctx.Done():
			stopTimer(timer)
			return nil
		case u, ok := <-updates:
			if !ok {
				updates = nil
				break
			}
			s.HandleUpdate(ctx, u)
		case in, ok := <-inbound:
			if !ok {
				inbound = nil
				break
			}
			s.HandleInbound(ctx, in)
		case <-fired:
			s.ProcessWakeups(ctx, s.deps.Clock.Now())
		case res := <-s.checks:
			s.HandleCheckResult(res)
		case out := <-s.outcomes:
			s.HandleOutcome(ctx, out)
		case requests <- next:
			s.mu.Lock()
			s.backlog = s.backlog[1:]
			s.mu.Unlock()
		}
		stopTimer(timer)
	}
}

// wakeupTimer returns a timer for the earliest pending wakeup, or nil when
// nothing is scheduled.
func (s *Subsystem) wakeupTimer() *time.Timer {
	at, ok := s.scheduler.Next()
	if !ok {
		return nil
	}
	now := s.deps.Clock.Now()
	return time.NewTimer(time.Duration(at.Sub(now)) * tick.Duration)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (s *Subsystem) updateGauges() {
	s.deps.Metrics.SetPendingWakeups(s.scheduler.Len())
	s.deps.Metrics.SetTrackedBlocks(s.store.BlockCount())
	s.deps.Metrics.SetRetainedSessions(s.window.Len())
}

// ApprovedAncestor returns the highest block on the chain ending at hash
// whose candidates, and those of all its tracked ancestors, are approved.
func (s *Subsystem) ApprovedAncestor(hash crypto.Hash) (approval.BlockEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ApprovedAncestor(hash)
}

// ApprovalStatus reports the status of one candidate.
func (s *Subsystem) ApprovalStatus(key approval.CandidateKey) (approval.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.ApprovalStatus(key)
}

// Candidate returns a copy of one candidate record.
func (s *Subsystem) Candidate(key approval.CandidateKey) (approval.CandidateEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.store.Candidate(key)
}

// PendingWakeup returns the tick of the wakeup scheduled for a candidate.
func (s *Subsystem) PendingWakeup(key approval.CandidateKey) (tick.Tick, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.store.Candidate(key)
	if err != nil {
		return 0, false
	}
	return s.scheduler.Pending(wakeup.Target{Block: key.Block, Candidate: c.Hash})
}

func (s *Subsystem) spawn(fn func() error) {
	if s.group != nil {
		s.group.Go(fn)
		return
	}
	go func() { _ = fn() }()
}

func candidateLogger(key approval.CandidateKey) *zerolog.Logger {
	l := log.Approval.With().Stringer("candidate", key).Logger()
	return &l
}

func sendContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, sendTimeout)
}

func errReason(err error) string {
	switch {
	case errors.Is(err, voting.ErrKeyUnavailable):
		return metrics.ReasonKeyUnavailable
	case errors.Is(err, approval.ErrUnknownCandidate):
		return metrics.ReasonUnknownCandidate
	case errors.Is(err, voting.ErrCheckNotPassed):
		return metrics.ReasonCheckNotPassed
	default:
		return metrics.ReasonSigningFailed
	}
}
