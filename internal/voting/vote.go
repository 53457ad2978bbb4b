package voting

import (
	"fmt"

	"github.com/ChainSafe/gossamer/pkg/scale"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/assignment"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/session"
)

var approveContext = []byte("approve")

// RequestKind selects what the pipeline signs for a request.
type RequestKind uint8

const (
	KindApproval RequestKind = iota
	KindAssignment
)

func (k RequestKind) String() string {
	switch k {
	case KindApproval:
		return "approval"
	case KindAssignment:
		return "assignment"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Request asks the pipeline to sign for the local validator: the approval
// vote of a checked candidate, or the assignment certificate of a newly
// imported one.
type Request struct {
	Kind      RequestKind
	Validator session.ValidatorIndex
	Key       approval.CandidateKey
	Candidate crypto.Hash
	Session   session.Index
	Info      session.Info // KindAssignment only.
}

// Vote is a signed approval.
type Vote struct {
	Validator session.ValidatorIndex
	Key       approval.CandidateKey
	Candidate crypto.Hash
	Session   session.Index
	Signature []byte
}

// Outcome is the result of processing one request. When Err is nil, Vote is
// set for approvals and Cert for assignments.
type Outcome struct {
	Request Request
	Vote    Vote
	Cert    assignment.Cert
	Err     error
}

type approvePayload struct {
	Context   []byte
	Block     crypto.Hash
	Candidate crypto.Hash
	Session   uint32
}

// SigningPayload is the canonical byte string an approval signs.
func SigningPayload(block, candidate crypto.Hash, idx session.Index) ([]byte, error) {
	b, err := scale.Marshal(approvePayload{
		Context:   approveContext,
		Block:     block,
		Candidate: candidate,
		Session:   uint32(idx),
	})
	if err != nil {
		return nil, fmt.Errorf("encode approval payload: %w", err)
	}
	return b, nil
}

// Verify checks the vote signature against the validator's session key.
func (v Vote) Verify(info session.Info) error {
	key, ok := info.ValidatorKey(v.Validator)
	if !ok {
		return fmt.Errorf("%w: validator %d not in session %d", ErrInvalidVote, v.Validator, v.Session)
	}
	msg, err := SigningPayload(v.Key.Block, v.Candidate, v.Session)
	if err != nil {
		return err
	}
	if !ed25519.Verify(key, msg, v.Signature) {
		return fmt.Errorf("%w: validator %d on %s", ErrInvalidVote, v.Validator, v.Key)
	}
	return nil
}
