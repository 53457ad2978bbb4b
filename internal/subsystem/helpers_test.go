package subsystem

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/assignment"
	"github.com/eigerco/approval-voting/internal/chain"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/keystore"
	"github.com/eigerco/approval-voting/internal/message"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
	"github.com/eigerco/approval-voting/internal/voting"
	"github.com/eigerco/approval-voting/pkg/db"
)

type manualClock struct {
	mu  sync.Mutex
	now tick.Tick
}

func (c *manualClock) Now() tick.Tick {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Set(t tick.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// fixedCriteria assigns every validator to the same tranche and accepts any
// certificate other than "bad".
type fixedCriteria struct {
	tranche uint32
}

func (f fixedCriteria) Compute(signer keystore.Signer, v session.ValidatorIndex, block, _ crypto.Hash, info session.Info) (assignment.Cert, error) {
	if _, ok := info.ValidatorKey(v); !ok {
		return assignment.Cert{}, assignment.ErrUnknownValidator
	}
	sig, err := signer.Sign(v, block[:])
	if err != nil {
		return assignment.Cert{}, err
	}
	return assignment.Cert{Tranche: f.tranche, Proof: sig}, nil
}

func (f fixedCriteria) Verify(_ session.ValidatorIndex, _, _ crypto.Hash, _ session.Info, cert assignment.Cert) error {
	if string(cert.Proof) == "bad" {
		return assignment.ErrInvalidCert
	}
	return nil
}

func (fixedCriteria) TrancheTick(base tick.Tick, tranche uint32) tick.Tick {
	return base.Add(tick.Tick(tranche))
}

type staticSessions map[session.Index]session.Info

func (s staticSessions) SessionInfo(_ context.Context, idx session.Index) (session.Info, error) {
	info, ok := s[idx]
	if !ok {
		return session.Info{}, fmt.Errorf("no session %d", idx)
	}
	return info, nil
}

type recorder struct {
	mu          sync.Mutex
	assignments []message.Assignment
	approvals   []message.Approval
	approved    chan message.Approval
}

func newRecorder() *recorder {
	return &recorder{approved: make(chan message.Approval, 16)}
}

func (r *recorder) SendAssignment(_ context.Context, a message.Assignment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = append(r.assignments, a)
	return nil
}

func (r *recorder) SendApproval(_ context.Context, a message.Approval) error {
	r.mu.Lock()
	r.approvals = append(r.approvals, a)
	r.mu.Unlock()
	select {
	case r.approved <- a:
	default:
	}
	return nil
}

func (r *recorder) sent() ([]message.Assignment, []message.Approval) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]message.Assignment(nil), r.assignments...), append([]message.Approval(nil), r.approvals...)
}

// countingSigner tracks how many Sign calls overlap.
type countingSigner struct {
	keystore.Signer
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (c *countingSigner) Sign(v session.ValidatorIndex, payload []byte) ([]byte, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	c.calls.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(50 * time.Microsecond)
	return c.Signer.Sign(v, payload)
}

// stalledOutbound blocks every send until its context ends.
type stalledOutbound struct {
	entered chan struct{}
}

func (s *stalledOutbound) SendAssignment(ctx context.Context, _ message.Assignment) error {
	return s.stall(ctx)
}

func (s *stalledOutbound) SendApproval(ctx context.Context, _ message.Approval) error {
	return s.stall(ctx)
}

func (s *stalledOutbound) stall(ctx context.Context) error {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return ctx.Err()
}

// countingKV counts the puts committed through batches.
type countingKV struct {
	db.KVStore
	puts atomic.Int64
}

func (c *countingKV) NewBatch() db.Batch {
	return &countingBatch{Batch: c.KVStore.NewBatch(), puts: &c.puts}
}

type countingBatch struct {
	db.Batch
	puts *atomic.Int64
}

func (b *countingBatch) Put(key, value []byte) error {
	b.puts.Add(1)
	return b.Batch.Put(key, value)
}

var passAll = CheckerFunc(func(context.Context, approval.CandidateKey, crypto.Hash) (bool, error) {
	return true, nil
})

// run starts the driver and returns a stop function that waits for Run to
// return.
func (h *harness) run(t *testing.T, updates <-chan chain.Update, inbound <-chan message.Inbound) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx, updates, inbound) }()
	return func() {
		cancel()
		require.NoError(t, <-done)
	}
}

// harness is a subsystem over n generated validators. Validator 0 is the
// local node when local is set.
type harness struct {
	s        *Subsystem
	clock    *manualClock
	out      *recorder
	keys     []ed25519.PrivateKey
	info     session.Info
	sessions staticSessions
}

type harnessOption func(*Deps, *Config)

func newHarness(t *testing.T, validators int, needed uint32, local bool, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		clock:    &manualClock{now: 100},
		out:      newRecorder(),
		sessions: staticSessions{},
	}

	ks := keystore.New()
	pubs := make([]ed25519.PublicKey, validators)
	for i := range pubs {
		pub, prv, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		pubs[i] = pub
		h.keys = append(h.keys, prv)
	}
	if local {
		require.NoError(t, ks.Insert(0, h.keys[0]))
	}

	h.info = session.Info{Validators: pubs, NumTranches: 3, NoShowDelay: 4, NeededApprovals: needed}
	for i := session.Index(1); i <= 10; i++ {
		h.sessions[i] = h.info
	}

	deps := Deps{
		Clock:    h.clock,
		Criteria: fixedCriteria{},
		Signer:   ks,
		Sessions: h.sessions,
		Checker:  passAll,
		Outbound: h.out,
	}
	cfg := Config{Validator: 0, PipelineCapacity: 4, InconsistencyWarnAfter: 2}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}

	s, err := New(cfg, deps)
	require.NoError(t, err)
	h.s = s
	return h
}

func leaf(name string, parent crypto.Hash, number uint32, sess session.Index, candidates ...string) chain.NewLeaf {
	l := chain.NewLeaf{
		Hash:    crypto.HashData([]byte(name)),
		Parent:  parent,
		Number:  number,
		Session: sess,
		Tick:    100,
	}
	for _, c := range candidates {
		l.Candidates = append(l.Candidates, crypto.HashData([]byte(c)))
	}
	return l
}

func (h *harness) assign(v uint32, key approval.CandidateKey, tranche uint32) message.Inbound {
	return message.Inbound{Assignment: &message.Assignment{
		Block:          key.Block,
		CandidateIndex: key.Index,
		Validator:      v,
		Tranche:        tranche,
		Cert:           []byte("cert"),
	}}
}

func (h *harness) approve(t *testing.T, v uint32, key approval.CandidateKey, candidate crypto.Hash, sess session.Index) message.Inbound {
	t.Helper()
	payload, err := voting.SigningPayload(key.Block, candidate, sess)
	require.NoError(t, err)
	return message.Inbound{Approval: &message.Approval{
		Block:          key.Block,
		CandidateIndex: key.Index,
		Validator:      v,
		Signature:      ed25519.Sign(h.keys[v], payload),
	}}
}

// drain signs every queued pipeline request and applies the outcomes, as
// Run would.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	outcomes := make(chan voting.Outcome, 1)
	done := make(chan error, 1)
	go func() { done <- h.s.pipeline.Run(ctx, outcomes) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	for len(h.s.backlog) > 0 {
		req := h.s.backlog[0]
		h.s.backlog = h.s.backlog[1:]
		require.NoError(t, h.s.pipeline.Enqueue(ctx, req))
		select {
		case out := <-outcomes:
			h.s.HandleOutcome(context.Background(), out)
		case <-timeout():
			t.Fatal("no pipeline outcome")
		}
	}
}

// flush sends everything the driver queued for peers.
func (h *harness) flush() {
	h.s.outbox.flush(context.Background())
}

// nextCheck waits for the local check started by a trigger.
func (h *harness) nextCheck(t *testing.T) CheckResult {
	t.Helper()
	select {
	case res := <-h.s.checks:
		return res
	case <-timeout():
		t.Fatal("no check result")
		return CheckResult{}
	}
}

func timeout() <-chan time.Time {
	return time.After(5 * time.Second)
}
