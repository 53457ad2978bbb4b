package chain

import (
	"context"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/session"
)

func TestSessionRegistry(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	info := session.Info{Validators: []ed25519.PublicKey{pub}, NumTranches: 2, NoShowDelay: 4, NeededApprovals: 1}

	r := NewSessionRegistry()
	require.NoError(t, r.Put(3, info))
	assert.Error(t, r.Put(4, session.Info{}))

	got, err := r.SessionInfo(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, info, got)

	_, err = r.SessionInfo(context.Background(), 4)
	assert.ErrorIs(t, err, ErrSessionNotAnnounced)
}
