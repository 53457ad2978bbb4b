// Package message defines the assignment and approval messages exchanged
// between validators.
package message

import (
	"fmt"

	"github.com/ChainSafe/gossamer/pkg/scale"

	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
)

// Assignment announces that Validator will check the candidate at
// (Block, CandidateIndex) in Tranche, proven by Cert.
type Assignment struct {
	Block          crypto.Hash
	CandidateIndex uint32
	Validator      uint32
	Tranche        uint32
	Cert           []byte
}

// Approval is Validator's signed statement that the candidate at
// (Block, CandidateIndex) checked out.
type Approval struct {
	Block          crypto.Hash
	CandidateIndex uint32
	Validator      uint32
	Signature      []byte
}

func (a Assignment) Encode() ([]byte, error) { return scale.Marshal(a) }
func (a Approval) Encode() ([]byte, error)   { return scale.Marshal(a) }

func DecodeAssignment(b []byte) (Assignment, error) {
	var a Assignment
	if err := scale.Unmarshal(b, &a); err != nil {
		return Assignment{}, fmt.Errorf("decode assignment: %w", err)
	}
	return a, nil
}

func DecodeApproval(b []byte) (Approval, error) {
	var a Approval
	if err := scale.Unmarshal(b, &a); err != nil {
		return Approval{}, fmt.Errorf("decode approval: %w", err)
	}
	if len(a.Signature) != ed25519.SignatureSize {
		return Approval{}, fmt.Errorf("decode approval: signature has %d bytes", len(a.Signature))
	}
	return a, nil
}

// Inbound is a decoded message together with the peer that sent it. Exactly
// one of Assignment and Approval is set.
type Inbound struct {
	Peer       ed25519.PublicKey
	Assignment *Assignment
	Approval   *Approval
}
