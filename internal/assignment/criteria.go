// Package assignment decides which validators check which candidates, and
// when. The scheduler consumes it only through Criteria.
package assignment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ChainSafe/gossamer/pkg/scale"
	"golang.org/x/crypto/blake2b"

	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/keystore"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
)

var (
	ErrInvalidCert      = errors.New("invalid assignment certificate")
	ErrTrancheMismatch  = errors.New("claimed tranche does not match certificate")
	ErrUnknownValidator = errors.New("validator not in session")
)

var assignContext = []byte("assign")

// Cert certifies that a validator is assigned to a candidate at Tranche.
type Cert struct {
	Tranche uint32
	Proof   []byte
}

// Criteria is the pluggable assignment policy.
type Criteria interface {
	// Compute certifies the assignment of validator v, signing with signer.
	Compute(signer keystore.Signer, v session.ValidatorIndex, block, candidate crypto.Hash, info session.Info) (Cert, error)
	// Verify checks a certificate received from validator v.
	Verify(v session.ValidatorIndex, block, candidate crypto.Hash, info session.Info, cert Cert) error
	// TrancheTick is the tick at which tranche becomes due for a block whose
	// tranche zero is due at base.
	TrancheTick(base tick.Tick, tranche uint32) tick.Tick
}

// SignatureCriteria assigns every validator exactly one tranche per candidate,
// derived from its ed25519 signature over the (block, candidate) pair.
type SignatureCriteria struct {
	TrancheTicks tick.Tick
}

func NewSignatureCriteria(trancheTicks tick.Tick) SignatureCriteria {
	if trancheTicks == 0 {
		trancheTicks = 1
	}
	return SignatureCriteria{TrancheTicks: trancheTicks}
}

type assignPayload struct {
	Context   []byte
	Block     crypto.Hash
	Candidate crypto.Hash
}

func payload(block, candidate crypto.Hash) ([]byte, error) {
	b, err := scale.Marshal(assignPayload{Context: assignContext, Block: block, Candidate: candidate})
	if err != nil {
		return nil, fmt.Errorf("encode assignment payload: %w", err)
	}
	return b, nil
}

// TrancheFor maps certificate proof bytes to a tranche.
func TrancheFor(proof []byte, numTranches uint32) uint32 {
	h := blake2b.Sum256(proof)
	return binary.LittleEndian.Uint32(h[:4]) % numTranches
}

func (c SignatureCriteria) Compute(signer keystore.Signer, v session.ValidatorIndex, block, candidate crypto.Hash, info session.Info) (Cert, error) {
	if _, ok := info.ValidatorKey(v); !ok {
		return Cert{}, fmt.Errorf("%w: %d", ErrUnknownValidator, v)
	}
	msg, err := payload(block, candidate)
	if err != nil {
		return Cert{}, err
	}
	sig, err := signer.Sign(v, msg)
	if err != nil {
		return Cert{}, err
	}
	return Cert{Tranche: TrancheFor(sig, info.NumTranches), Proof: sig}, nil
}

func (c SignatureCriteria) Verify(v session.ValidatorIndex, block, candidate crypto.Hash, info session.Info, cert Cert) error {
	key, ok := info.ValidatorKey(v)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownValidator, v)
	}
	msg, err := payload(block, candidate)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, msg, cert.Proof) {
		return fmt.Errorf("%w: validator %d", ErrInvalidCert, v)
	}
	if want := TrancheFor(cert.Proof, info.NumTranches); cert.Tranche != want {
		return fmt.Errorf("%w: got %d, want %d", ErrTrancheMismatch, cert.Tranche, want)
	}
	return nil
}

func (c SignatureCriteria) TrancheTick(base tick.Tick, tranche uint32) tick.Tick {
	return base.Add(tick.Tick(tranche) * c.TrancheTicks)
}
