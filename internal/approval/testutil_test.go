package approval

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
)

// oneTickPerTranche makes tranche t due at base+t.
type oneTickPerTranche struct{}

func (oneTickPerTranche) TrancheTick(base tick.Tick, tranche uint32) tick.Tick {
	return base.Add(tick.Tick(tranche))
}

func newTestWindow(t *testing.T, validators int, needed uint32) *session.Window {
	t.Helper()
	keys := make([]ed25519.PublicKey, validators)
	for i := range keys {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		keys[i] = pub
	}
	w := session.NewWindow()
	err := w.Advance(1, session.Info{
		Validators:      keys,
		NumTranches:     3,
		NoShowDelay:     4,
		NeededApprovals: needed,
	})
	require.NoError(t, err)
	return w
}

func testBlock(name string, parent crypto.Hash, number uint32, candidates ...string) BlockEntry {
	b := BlockEntry{
		Hash:    crypto.HashData([]byte(name)),
		Parent:  parent,
		Number:  number,
		Session: 1,
		Tick:    100,
	}
	for _, c := range candidates {
		b.Candidates = append(b.Candidates, crypto.HashData([]byte(c)))
	}
	return b
}
