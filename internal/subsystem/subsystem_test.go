package subsystem

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/assignment"
	"github.com/eigerco/approval-voting/internal/chain"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/message"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/store"
	"github.com/eigerco/approval-voting/internal/tick"
	"github.com/eigerco/approval-voting/internal/voting"
	"github.com/eigerco/approval-voting/pkg/db/pebble"
)

const (
	validatorA = 0
	validatorB = 1
	validatorC = 2
)

// importThreeAssignments sets up one candidate with A and B at tranche 0
// and C at tranche 1.
func importThreeAssignments(t *testing.T, h *harness) (approval.CandidateKey, crypto.Hash) {
	t.Helper()
	ctx := context.Background()
	l := leaf("block", crypto.Hash{}, 1, 1, "candidate")
	h.s.HandleUpdate(ctx, l)

	key := approval.CandidateKey{Block: l.Hash, Index: 0}
	h.s.HandleInbound(ctx, h.assign(validatorA, key, 0))
	h.s.HandleInbound(ctx, h.assign(validatorB, key, 0))
	h.s.HandleInbound(ctx, h.assign(validatorC, key, 1))
	return key, l.Candidates[0]
}

func TestApprovedBeforeTrancheOneTriggers(t *testing.T) {
	h := newHarness(t, 3, 2, false)
	ctx := context.Background()
	key, cand := importThreeAssignments(t, h)

	h.clock.Set(101)
	h.s.HandleInbound(ctx, h.approve(t, validatorA, key, cand, 1))
	h.s.HandleInbound(ctx, h.approve(t, validatorB, key, cand, 1))

	status, err := h.s.ApprovalStatus(key)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)

	_, pending := h.s.PendingWakeup(key)
	assert.False(t, pending)

	h.s.ProcessWakeups(ctx, 200)
	c, err := h.s.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), c.ActiveTranche)
	assert.Equal(t, approval.AssignmentPending, c.Assignments[validatorC].State)

	got, ok := h.s.ApprovedAncestor(key.Block)
	require.True(t, ok)
	assert.Equal(t, key.Block, got.Hash)
}

func TestNoShowActivatesReplacementTranche(t *testing.T) {
	h := newHarness(t, 3, 2, false)
	ctx := context.Background()
	key, cand := importThreeAssignments(t, h)

	at, ok := h.s.PendingWakeup(key)
	require.True(t, ok)
	assert.Equal(t, tick.Tick(101), at)

	h.clock.Set(101)
	h.s.HandleInbound(ctx, h.approve(t, validatorA, key, cand, 1))
	h.s.ProcessWakeups(ctx, 101)

	at, ok = h.s.PendingWakeup(key)
	require.True(t, ok)
	assert.Equal(t, tick.Tick(104), at)

	h.s.ProcessWakeups(ctx, 103)
	c, err := h.s.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, approval.AssignmentPending, c.Assignments[validatorB].State)

	h.s.ProcessWakeups(ctx, 104)
	c, err = h.s.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, approval.AssignmentNoShow, c.Assignments[validatorB].State)
	assert.Equal(t, approval.AssignmentPending, c.Assignments[validatorC].State)
	assert.Equal(t, uint32(1), c.ActiveTranche)
	assert.Equal(t, []tick.Tick{100, 104}, c.ActivatedAt)

	at, ok = h.s.PendingWakeup(key)
	require.True(t, ok)
	assert.Equal(t, tick.Tick(108), at)

	h.s.HandleInbound(ctx, h.approve(t, validatorC, key, cand, 1))
	status, err := h.s.ApprovalStatus(key)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)
}

func TestLocalAssignmentTriggersAndVotes(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, 1, 1, true, func(d *Deps, _ *Config) {
		d.Criteria = assignment.NewSignatureCriteria(1)
	})
	h.info.NumTranches = 1
	h.sessions[1] = h.info

	updates := make(chan chain.Update, 1)
	inbound := make(chan message.Inbound)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.s.Run(ctx, updates, inbound) }()

	l := leaf("block", crypto.Hash{}, 1, 1, "candidate")
	updates <- l

	var got message.Approval
	select {
	case got = <-h.out.approved:
	case <-timeout():
		t.Fatal("no approval sent")
	}
	cancel()
	require.NoError(t, <-done)

	assignments, _ := h.out.sent()
	require.Len(t, assignments, 1)
	assert.Equal(t, l.Hash, assignments[0].Block)
	assert.Equal(t, uint32(0), assignments[0].Tranche)

	payload, err := voting.SigningPayload(l.Hash, l.Candidates[0], 1)
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(h.info.Validators[0], payload, got.Signature))

	key := approval.CandidateKey{Block: l.Hash}
	status, err := h.s.ApprovalStatus(key)
	require.NoError(t, err)
	assert.Equal(t, approval.StatusApproved, status)

	best, ok := h.s.ApprovedAncestor(l.Hash)
	require.True(t, ok)
	assert.Equal(t, l.Hash, best.Hash)
}

// triggerLocal imports a block whose only candidate is checked locally and
// returns with the vote request queued.
func triggerLocal(t *testing.T, h *harness) (chain.NewLeaf, approval.CandidateKey) {
	t.Helper()
	l := leaf("block", crypto.Hash{}, 1, 1, "candidate")
	h.s.HandleUpdate(context.Background(), l)
	require.Len(t, h.s.backlog, 1)
	assert.Equal(t, voting.KindAssignment, h.s.backlog[0].Kind)
	h.drain(t)

	h.flush()
	assignments, _ := h.out.sent()
	require.Len(t, assignments, 1)

	h.s.HandleCheckResult(h.nextCheck(t))
	require.Len(t, h.s.backlog, 1)
	return l, approval.CandidateKey{Block: l.Hash}
}

func TestVoteForCandidatePrunedBeforeProcessing(t *testing.T) {
	defer goleak.VerifyNone(t)

	h := newHarness(t, 3, 2, true)
	l, _ := triggerLocal(t, h)

	ctx, cancel := context.WithCancel(context.Background())
	h.s.HandleUpdate(ctx, chain.Finalized{Hash: l.Hash, Number: l.Number})

	outcomes := make(chan voting.Outcome, 1)
	done := make(chan error, 1)
	go func() { done <- h.s.pipeline.Run(ctx, outcomes) }()
	require.NoError(t, h.s.pipeline.Enqueue(ctx, h.s.backlog[0]))

	var outcome voting.Outcome
	select {
	case outcome = <-outcomes:
	case <-timeout():
		t.Fatal("no outcome")
	}
	cancel()
	require.NoError(t, <-done)

	assert.ErrorIs(t, outcome.Err, approval.ErrUnknownCandidate)
	h.s.HandleOutcome(context.Background(), outcome)

	h.flush()
	_, approvals := h.out.sent()
	assert.Empty(t, approvals)
}

func TestVoteForCandidatePrunedAfterSigning(t *testing.T) {
	h := newHarness(t, 3, 2, true)
	l, key := triggerLocal(t, h)

	req := h.s.backlog[0]
	h.s.HandleUpdate(context.Background(), chain.Reverted{Hash: l.Hash})

	h.s.HandleOutcome(context.Background(), voting.Outcome{
		Request: req,
		Vote:    voting.Vote{Validator: req.Validator, Key: key, Candidate: req.Candidate, Session: req.Session, Signature: make([]byte, 64)},
	})

	h.flush()
	_, approvals := h.out.sent()
	assert.Empty(t, approvals)
	_, err := h.s.Candidate(key)
	assert.ErrorIs(t, err, approval.ErrUnknownCandidate)
}

func TestFailedCheckWithholdsVote(t *testing.T) {
	h := newHarness(t, 3, 2, true)
	l := leaf("block", crypto.Hash{}, 1, 1, "candidate")
	h.s.HandleUpdate(context.Background(), l)
	h.drain(t)

	res := h.nextCheck(t)
	res.Passed = false
	h.s.HandleCheckResult(res)

	assert.Empty(t, h.s.backlog)
	st, ok := h.s.ledger.State(res.Key)
	require.True(t, ok)
	assert.Equal(t, voting.CheckFailed, st)
}

func TestSessionPruningEvictsCandidates(t *testing.T) {
	h := newHarness(t, 3, 2, false)
	ctx := context.Background()

	old := leaf("old", crypto.Hash{}, 1, 1, "candidate")
	h.s.HandleUpdate(ctx, old)
	oldKey := approval.CandidateKey{Block: old.Hash}
	_, ok := h.s.PendingWakeup(oldKey)
	require.True(t, ok)

	recent := leaf("recent", old.Hash, 2, 7, "candidate")
	h.s.HandleUpdate(ctx, recent)

	_, err := h.s.Candidate(oldKey)
	assert.ErrorIs(t, err, approval.ErrUnknownCandidate)
	assert.Equal(t, 1, h.s.scheduler.Len())

	earliest, ok := h.s.window.Earliest()
	require.True(t, ok)
	assert.Equal(t, session.Index(2), earliest)
	assert.Equal(t, session.RetainedSessions, h.s.window.Len())

	_, err = h.s.Candidate(approval.CandidateKey{Block: recent.Hash})
	assert.NoError(t, err)
}

func TestLeafWithUnknownSessionIsDropped(t *testing.T) {
	h := newHarness(t, 3, 2, false)
	h.s.HandleUpdate(context.Background(), leaf("block", crypto.Hash{}, 1, 42, "candidate"))
	assert.Equal(t, 0, h.s.store.BlockCount())
	assert.Empty(t, h.s.backlog)
}

func TestInboundRejections(t *testing.T) {
	h := newHarness(t, 3, 2, false)
	ctx := context.Background()
	key, cand := importThreeAssignments(t, h)

	bad := h.assign(validatorA, key, 0)
	bad.Assignment.Cert = []byte("bad")
	h.s.HandleInbound(ctx, bad)

	forged := h.approve(t, validatorB, key, cand, 1)
	forged.Approval.Validator = validatorA
	h.s.HandleInbound(ctx, forged)

	c, err := h.s.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, approval.AssignmentPending, c.Assignments[validatorA].State)

	unknown := approval.CandidateKey{Block: crypto.HashData([]byte("nope"))}
	h.s.HandleInbound(ctx, h.assign(validatorA, unknown, 0))
	h.s.HandleInbound(ctx, h.assign(validatorA, key, 0))
	assert.Equal(t, 2, h.s.tracker.Len())

	h.s.HandleUpdate(ctx, chain.Finalized{Hash: key.Block, Number: 1})
	assert.Equal(t, 1, h.s.tracker.Len())
}

func TestRevertPrunesDescendants(t *testing.T) {
	h := newHarness(t, 3, 2, false)
	ctx := context.Background()

	b1 := leaf("b1", crypto.Hash{}, 1, 1, "c1")
	b2 := leaf("b2", b1.Hash, 2, 1, "c2")
	b3 := leaf("b3", b2.Hash, 3, 1, "c3")
	for _, l := range []chain.NewLeaf{b1, b2, b3} {
		h.s.HandleUpdate(ctx, l)
	}
	h.s.HandleUpdate(ctx, chain.Reverted{Hash: b2.Hash})

	assert.Equal(t, 1, h.s.store.BlockCount())
	_, ok := h.s.store.Block(b1.Hash)
	assert.True(t, ok)
	assert.Equal(t, 1, h.s.scheduler.Len())
}

func TestSnapshotRestore(t *testing.T) {
	kv, err := pebble.NewMemKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	snapshots := store.NewSnapshots(kv)
	withSnapshots := func(d *Deps, _ *Config) { d.Snapshots = snapshots }

	h := newHarness(t, 3, 2, true, withSnapshots)
	_, key := triggerLocal(t, h)
	at, ok := h.s.PendingWakeup(key)
	require.True(t, ok)

	restored, err := New(h.s.cfg, h.s.deps)
	require.NoError(t, err)
	require.NoError(t, restored.Load())

	c, err := restored.Candidate(key)
	require.NoError(t, err)
	require.NotNil(t, c.Ours)
	assert.True(t, c.Ours.Triggered)

	got, ok := restored.PendingWakeup(key)
	require.True(t, ok)
	assert.Equal(t, at, got)

	require.Len(t, restored.backlog, 1)
	assert.Equal(t, key, restored.backlog[0].Key)

	latest, ok := restored.window.Latest()
	require.True(t, ok)
	assert.Equal(t, session.Index(1), latest)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.Error(t, err)
}

func TestLocalSigningIsSerialised(t *testing.T) {
	defer goleak.VerifyNone(t)

	var signer *countingSigner
	h := newHarness(t, 1, 1, true, func(d *Deps, _ *Config) {
		signer = &countingSigner{Signer: d.Signer}
		d.Signer = signer
	})

	const blocks = 40
	updates := make(chan chain.Update, blocks)
	stop := h.run(t, updates, make(chan message.Inbound))

	parent := crypto.Hash{}
	for i := range blocks {
		l := leaf(fmt.Sprintf("block-%d", i), parent, uint32(i+1), 1, fmt.Sprintf("candidate-%d", i))
		updates <- l
		parent = l.Hash
	}
	require.Eventually(t, func() bool {
		_, approvals := h.out.sent()
		return len(approvals) == blocks
	}, 5*time.Second, 10*time.Millisecond)
	stop()

	// One certificate and one vote per candidate.
	assert.Equal(t, int32(2*blocks), signer.calls.Load())
	assert.Equal(t, int32(1), signer.peak.Load())
}

func TestStalledPeerDoesNotBlockDriver(t *testing.T) {
	defer goleak.VerifyNone(t)

	stalled := &stalledOutbound{entered: make(chan struct{}, 1)}
	h := newHarness(t, 3, 2, true, func(d *Deps, _ *Config) {
		d.Outbound = stalled
	})

	updates := make(chan chain.Update, 2)
	stop := h.run(t, updates, make(chan message.Inbound))
	defer stop()

	first := leaf("first", crypto.Hash{}, 1, 1, "c1")
	updates <- first
	select {
	case <-stalled.entered:
	case <-timeout():
		t.Fatal("assignment was never sent")
	}

	second := leaf("second", first.Hash, 2, 1, "c2")
	updates <- second
	key := approval.CandidateKey{Block: second.Hash}
	require.Eventually(t, func() bool {
		_, err := h.s.ApprovalStatus(key)
		return err == nil
	}, time.Second, 5*time.Millisecond)

	_, ok := h.s.ApprovedAncestor(second.Hash)
	assert.False(t, ok)
}

func TestPersistenceWritesTouchedRecordsOnly(t *testing.T) {
	mem, err := pebble.NewMemKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mem.Close() })
	kv := &countingKV{KVStore: mem}

	h := newHarness(t, 3, 2, false, func(d *Deps, _ *Config) {
		d.Snapshots = store.NewSnapshots(kv)
	})
	ctx := context.Background()

	var leaves []chain.NewLeaf
	parent := crypto.Hash{}
	for i := range 30 {
		l := leaf(fmt.Sprintf("block-%d", i), parent, uint32(i+1), 1, fmt.Sprintf("candidate-%d", i))
		h.s.HandleUpdate(ctx, l)
		leaves = append(leaves, l)
		parent = l.Hash
	}

	kv.puts.Store(0)
	key := approval.CandidateKey{Block: leaves[10].Hash}
	h.s.HandleInbound(ctx, h.assign(validatorA, key, 0))
	// The candidate record and its wakeup.
	assert.Equal(t, int64(2), kv.puts.Load())

	h.s.HandleUpdate(ctx, chain.Finalized{Hash: leaves[0].Hash, Number: 1})

	snap, err := store.NewSnapshots(kv).Load()
	require.NoError(t, err)
	assert.Len(t, snap.Blocks, 29)
	assert.Len(t, snap.Candidates, 29)
	assert.Len(t, snap.Wakeups, 29)
	for _, b := range snap.Blocks {
		assert.NotEqual(t, leaves[0].Hash, b.Hash)
	}
	for _, c := range snap.Candidates {
		if c.Key == key {
			assert.Equal(t, approval.AssignmentPending, c.Entry.Assignments[validatorA].State)
		}
	}
}

func TestRestartCertifiesUnassignedCandidates(t *testing.T) {
	kv, err := pebble.NewMemKVStore()
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	snapshots := store.NewSnapshots(kv)

	h := newHarness(t, 3, 2, true, func(d *Deps, _ *Config) { d.Snapshots = snapshots })
	l := leaf("block", crypto.Hash{}, 1, 1, "candidate")
	h.s.HandleUpdate(context.Background(), l)
	require.Len(t, h.s.backlog, 1)

	restored, err := New(h.s.cfg, h.s.deps)
	require.NoError(t, err)
	require.NoError(t, restored.Load())
	require.Len(t, restored.backlog, 1)
	assert.Equal(t, voting.KindAssignment, restored.backlog[0].Kind)
	assert.Equal(t, approval.CandidateKey{Block: l.Hash}, restored.backlog[0].Key)
}
