package session

import (
	"errors"
	"fmt"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/tick"
)

// Index identifies a validator-set epoch.
type Index uint32

// ValidatorIndex is a validator's position in the session's validator list.
type ValidatorIndex uint32

var ErrInvalidInfo = errors.New("invalid session info")

// Info is the immutable per-session metadata needed to interpret assignments
// and approvals. Records reference it by session index only.
type Info struct {
	Validators      []ed25519.PublicKey // Validators in index order.
	NumTranches     uint32              // Number of assignment tranches; the last one is final.
	NoShowDelay     tick.Tick           // Ticks an active assignment may go without an approval.
	NeededApprovals uint32              // Approvals required to consider a candidate approved.
}

// Validate checks that the parameters can drive the scheduler.
func (i Info) Validate() error {
	switch {
	case len(i.Validators) == 0:
		return fmt.Errorf("%w: empty validator set", ErrInvalidInfo)
	case i.NumTranches == 0:
		return fmt.Errorf("%w: zero tranches", ErrInvalidInfo)
	case i.NoShowDelay == 0:
		return fmt.Errorf("%w: zero no-show delay", ErrInvalidInfo)
	case i.NeededApprovals == 0:
		return fmt.Errorf("%w: zero needed approvals", ErrInvalidInfo)
	case int(i.NeededApprovals) > len(i.Validators):
		return fmt.Errorf("%w: %d needed approvals exceed %d validators", ErrInvalidInfo, i.NeededApprovals, len(i.Validators))
	}
	for idx, key := range i.Validators {
		if len(key) != ed25519.PublicKeySize {
			return fmt.Errorf("%w: validator %d key has %d bytes", ErrInvalidInfo, idx, len(key))
		}
		if ed25519.IsEmpty(key) {
			return fmt.Errorf("%w: validator %d has an all-zero key", ErrInvalidInfo, idx)
		}
	}
	return nil
}

// FinalTranche is the last tranche at which assignments can become active.
func (i Info) FinalTranche() uint32 {
	return i.NumTranches - 1
}

// ValidatorKey returns the public key of the validator at index v.
func (i Info) ValidatorKey(v ValidatorIndex) (ed25519.PublicKey, bool) {
	if int(v) >= len(i.Validators) {
		return nil, false
	}
	return i.Validators[v], true
}
