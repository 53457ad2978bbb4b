package approval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
)

const (
	validatorA session.ValidatorIndex = 0
	validatorB session.ValidatorIndex = 1
	validatorC session.ValidatorIndex = 2
)

// newThreeValidatorCandidate sets up a candidate needing two approvals with
// A and B in tranche 0 and C in tranche 1.
func newThreeValidatorCandidate(t *testing.T) (*Store, CandidateKey) {
	t.Helper()
	store := NewStore(newTestWindow(t, 4, 2))
	b := testBlock("block", crypto.Hash{}, 1, "candidate")
	require.NoError(t, store.InsertBlock(b))

	key := CandidateKey{Block: b.Hash, Index: 0}
	require.NoError(t, store.RecordAssignment(key, validatorA, 0))
	require.NoError(t, store.RecordAssignment(key, validatorB, 0))
	require.NoError(t, store.RecordAssignment(key, validatorC, 1))
	return store, key
}

func TestApprovedBeforeNoShowDeadline(t *testing.T) {
	store, key := newThreeValidatorCandidate(t)
	policy := oneTickPerTranche{}

	next, ok, err := store.NextWakeup(key, 100, policy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tick.Tick(104), next)

	st, err := store.RecordApproval(key, validatorA)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	st, err = store.RecordApproval(key, validatorB)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, st)

	report, err := store.CheckNoShows(key, 110, policy)
	require.NoError(t, err)
	assert.Empty(t, report.NoShows)
	assert.Empty(t, report.Activated)

	c, err := store.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), c.ActiveTranche)
	assert.Equal(t, AssignmentPending, c.Assignments[validatorC].State)

	_, ok, err = store.NextWakeup(key, 110, policy)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNoShowActivatesNextTranche(t *testing.T) {
	store, key := newThreeValidatorCandidate(t)
	policy := oneTickPerTranche{}

	_, err := store.RecordApproval(key, validatorA)
	require.NoError(t, err)

	report, err := store.CheckNoShows(key, 103, policy)
	require.NoError(t, err)
	assert.Empty(t, report.NoShows)

	report, err = store.CheckNoShows(key, 104, policy)
	require.NoError(t, err)
	assert.Equal(t, []session.ValidatorIndex{validatorB}, report.NoShows)
	assert.Equal(t, []uint32{1}, report.Activated)

	c, err := store.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), c.ActiveTranche)
	assert.Equal(t, []tick.Tick{100, 104}, c.ActivatedAt)
	assert.Equal(t, []session.ValidatorIndex{validatorA}, c.Validators(AssignmentApproved))
	assert.Equal(t, []session.ValidatorIndex{validatorB}, c.Validators(AssignmentNoShow))
	assert.Equal(t, []session.ValidatorIndex{validatorC}, c.Validators(AssignmentPending))

	// C's clock starts when its tranche was activated.
	next, ok, err := store.NextWakeup(key, 104, policy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tick.Tick(108), next)

	st, err := store.ApprovalStatus(key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	st, err = store.RecordApproval(key, validatorC)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, st)
}

func TestLateApprovalFromNoShow(t *testing.T) {
	store, key := newThreeValidatorCandidate(t)
	policy := oneTickPerTranche{}

	_, err := store.CheckNoShows(key, 104, policy)
	require.NoError(t, err)

	c, err := store.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, AssignmentNoShow, c.Assignments[validatorA].State)

	_, err = store.RecordApproval(key, validatorA)
	require.NoError(t, err)
	st, err := store.RecordApproval(key, validatorB)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, st)

	c, err = store.Candidate(key)
	require.NoError(t, err)
	assert.Empty(t, c.Validators(AssignmentNoShow))
}

func TestUndeterminedWhenFinalTrancheExhausted(t *testing.T) {
	store := NewStore(newTestWindow(t, 4, 2))
	b := testBlock("block", crypto.Hash{}, 1, "candidate")
	require.NoError(t, store.InsertBlock(b))
	key := CandidateKey{Block: b.Hash}
	policy := oneTickPerTranche{}

	require.NoError(t, store.RecordAssignment(key, validatorA, 0))

	next, ok, err := store.NextWakeup(key, 100, policy)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, tick.Tick(101), next)

	report, err := store.CheckNoShows(key, 102, policy)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, report.Activated)

	st, err := store.ApprovalStatus(key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	_, err = store.CheckNoShows(key, 104, policy)
	require.NoError(t, err)
	st, err = store.ApprovalStatus(key)
	require.NoError(t, err)
	assert.Equal(t, StatusUndetermined, st)
}

func TestRecordErrors(t *testing.T) {
	store, key := newThreeValidatorCandidate(t)

	err := store.RecordAssignment(key, validatorA, 2)
	assert.ErrorIs(t, err, ErrDuplicateAssignment)
	assert.True(t, IsStateInconsistency(err))

	_, err = store.RecordApproval(key, 3)
	assert.ErrorIs(t, err, ErrUnassignedValidator)
	assert.True(t, IsStateInconsistency(err))

	err = store.RecordAssignment(key, 9, 0)
	assert.ErrorIs(t, err, ErrUnknownValidator)

	err = store.RecordAssignment(key, 3, 3)
	assert.ErrorIs(t, err, ErrInvalidTranche)

	missing := CandidateKey{Block: key.Block, Index: 5}
	_, err = store.RecordApproval(missing, validatorA)
	assert.ErrorIs(t, err, ErrUnknownCandidate)
	assert.True(t, IsStateInconsistency(err))

	err = store.InsertBlock(testBlock("block", crypto.Hash{}, 1, "candidate"))
	assert.ErrorIs(t, err, ErrDuplicateBlock)
	assert.False(t, IsStateInconsistency(err))
}

func TestRepeatedApprovalIsIdempotent(t *testing.T) {
	store, key := newThreeValidatorCandidate(t)

	_, err := store.RecordApproval(key, validatorA)
	require.NoError(t, err)
	st, err := store.RecordApproval(key, validatorA)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st)

	c, err := store.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, []session.ValidatorIndex{validatorA}, c.Validators(AssignmentApproved))
}

func TestInsertBlockRequiresKnownSession(t *testing.T) {
	store := NewStore(newTestWindow(t, 4, 2))
	b := testBlock("block", crypto.Hash{}, 1, "candidate")
	b.Session = 7

	err := store.InsertBlock(b)
	assert.ErrorIs(t, err, session.ErrSessionUnknown)
	assert.Equal(t, 0, store.Len())
}

func TestInsertBlockRejectsRepeatedCandidate(t *testing.T) {
	store := NewStore(newTestWindow(t, 4, 2))
	b := testBlock("block", crypto.Hash{}, 1, "c0", "c1", "c0")

	err := store.InsertBlock(b)
	assert.ErrorIs(t, err, ErrDuplicateCandidate)
	assert.False(t, IsStateInconsistency(err))
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, store.BlockCount())

	b.Candidates = b.Candidates[:2]
	require.NoError(t, store.InsertBlock(b))
	assert.Equal(t, 2, store.Len())
}

func TestLookup(t *testing.T) {
	store := NewStore(newTestWindow(t, 4, 2))
	b := testBlock("block", crypto.Hash{}, 1, "c0", "c1")
	require.NoError(t, store.InsertBlock(b))

	key, ok := store.Lookup(b.Hash, crypto.HashData([]byte("c1")))
	require.True(t, ok)
	assert.Equal(t, CandidateKey{Block: b.Hash, Index: 1}, key)

	_, ok = store.Lookup(b.Hash, crypto.HashData([]byte("c2")))
	assert.False(t, ok)
	_, ok = store.Lookup(crypto.Hash{1}, crypto.HashData([]byte("c1")))
	assert.False(t, ok)
}

func TestOurAssignment(t *testing.T) {
	store, key := newThreeValidatorCandidate(t)
	policy := oneTickPerTranche{}

	require.NoError(t, store.SetOurAssignment(key, OurAssignment{Tranche: 1, Cert: []byte{1, 2}}))
	assert.False(t, store.OurDue(key, 101, policy), "tranche 1 not active yet")

	_, err := store.CheckNoShows(key, 104, policy)
	require.NoError(t, err)
	assert.True(t, store.OurDue(key, 104, policy))

	require.NoError(t, store.MarkTriggered(key))
	assert.False(t, store.OurDue(key, 104, policy))

	c, err := store.Candidate(key)
	require.NoError(t, err)
	require.NotNil(t, c.Ours)
	assert.True(t, c.Ours.Triggered)
}

func TestPruneFinalized(t *testing.T) {
	store := NewStore(newTestWindow(t, 4, 2))
	b1 := testBlock("b1", crypto.Hash{}, 1, "c1")
	b2 := testBlock("b2", b1.Hash, 2, "c2")
	fork := testBlock("fork", b1.Hash, 2, "cf")
	b3 := testBlock("b3", b2.Hash, 3, "c3")
	for _, b := range []BlockEntry{b1, b2, fork, b3} {
		require.NoError(t, store.InsertBlock(b))
	}

	pruned := store.PruneFinalized(b2.Hash, 2)
	assert.Len(t, pruned, 3)

	_, ok := store.Block(b3.Hash)
	assert.True(t, ok)
	for _, h := range []crypto.Hash{b1.Hash, b2.Hash, fork.Hash} {
		_, ok := store.Block(h)
		assert.False(t, ok)
	}
	assert.Equal(t, 1, store.Len())
}

func TestPruneReverted(t *testing.T) {
	store := NewStore(newTestWindow(t, 4, 2))
	b1 := testBlock("b1", crypto.Hash{}, 1, "c1")
	b2 := testBlock("b2", b1.Hash, 2, "c2")
	b3 := testBlock("b3", b2.Hash, 3, "c3", "c3b")
	sibling := testBlock("sibling", b1.Hash, 2, "cs")
	for _, b := range []BlockEntry{b1, b2, b3, sibling} {
		require.NoError(t, store.InsertBlock(b))
	}

	var removed []crypto.Hash
	store.OnRemoveBlock(func(h crypto.Hash) { removed = append(removed, h) })

	pruned := store.PruneReverted(b2.Hash)
	assert.Len(t, pruned, 3)
	assert.Equal(t, 2, store.Len())
	assert.ElementsMatch(t, []crypto.Hash{b2.Hash, b3.Hash}, removed)
	assert.Equal(t, 2, store.BlockCount())

	_, ok := store.Block(sibling.Hash)
	assert.True(t, ok)
	assert.Nil(t, store.PruneReverted(b2.Hash))
}

func TestPruneSession(t *testing.T) {
	w := newTestWindow(t, 4, 2)
	store := NewStore(w)
	b := testBlock("b1", crypto.Hash{}, 1, "c1", "c2")
	require.NoError(t, store.InsertBlock(b))

	pruned := store.PruneSession(1)
	require.Len(t, pruned, 2)
	assert.Equal(t, CandidateKey{Block: b.Hash, Index: 0}, pruned[0].Key)
	assert.Equal(t, crypto.HashData([]byte("c1")), pruned[0].Hash)
	assert.Equal(t, 0, store.Len())

	_, err := store.RecordApproval(pruned[0].Key, validatorA)
	assert.ErrorIs(t, err, ErrUnknownCandidate)
}

func TestApprovedAncestor(t *testing.T) {
	store := NewStore(newTestWindow(t, 4, 1))
	b1 := testBlock("b1", crypto.Hash{}, 1, "c1")
	b2 := testBlock("b2", b1.Hash, 2, "c2")
	b3 := testBlock("b3", b2.Hash, 3, "c3")
	for _, b := range []BlockEntry{b1, b2, b3} {
		require.NoError(t, store.InsertBlock(b))
	}

	_, ok := store.ApprovedAncestor(b3.Hash)
	assert.False(t, ok)

	for _, b := range []BlockEntry{b1, b3} {
		key := CandidateKey{Block: b.Hash}
		require.NoError(t, store.RecordAssignment(key, validatorA, 0))
		_, err := store.RecordApproval(key, validatorA)
		require.NoError(t, err)
	}

	got, ok := store.ApprovedAncestor(b3.Hash)
	require.True(t, ok)
	assert.Equal(t, b1.Hash, got.Hash)
}

func TestRestore(t *testing.T) {
	w := newTestWindow(t, 4, 2)
	store, key := newThreeValidatorCandidate(t)
	_, err := store.RecordApproval(key, validatorA)
	require.NoError(t, err)

	b, ok := store.Block(key.Block)
	require.True(t, ok)
	want, err := store.Candidate(key)
	require.NoError(t, err)

	restored := NewStore(w)
	require.NoError(t, restored.Restore([]BlockEntry{b}, []CandidateRecord{{Key: key, Entry: want}}))

	got, err := restored.Candidate(key)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	st, err := restored.RecordApproval(key, validatorB)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, st)

	orphan := []CandidateRecord{{Key: CandidateKey{Block: crypto.Hash{9}}}}
	assert.ErrorIs(t, restored.Restore(nil, orphan), ErrUnknownBlock)
}
