package voting

import (
	"context"
	"errors"
	"fmt"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/assignment"
	"github.com/eigerco/approval-voting/internal/keystore"
	"github.com/eigerco/approval-voting/pkg/log"
)

const DefaultCapacity = 64

// Pipeline serialises every use of the local validator key. A single Run
// loop drains the request channel and signs both assignment certificates and
// approval votes, so the signer is never used concurrently.
type Pipeline struct {
	requests chan Request
	signer   keystore.Signer
	criteria assignment.Criteria
	ledger   *Ledger
}

func NewPipeline(capacity int, signer keystore.Signer, criteria assignment.Criteria, ledger *Ledger) *Pipeline {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Pipeline{
		requests: make(chan Request, capacity),
		signer:   signer,
		criteria: criteria,
		ledger:   ledger,
	}
}

// Requests exposes the send side of the bounded request channel for callers
// that select on it.
func (p *Pipeline) Requests() chan<- Request {
	return p.requests
}

// Enqueue submits a request, waiting while the channel is full.
func (p *Pipeline) Enqueue(ctx context.Context, req Request) error {
	select {
	case p.requests <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes requests in order and delivers one Outcome per request on
// out until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context, out chan<- Outcome) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-p.requests:
			outcome := p.process(req)
			select {
			case out <- outcome:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *Pipeline) process(req Request) Outcome {
	if req.Kind == KindAssignment {
		return p.certify(req)
	}
	return p.approve(req)
}

// certify computes the local assignment certificate. A missing key or a
// validator outside the session means the node is not assigned.
func (p *Pipeline) certify(req Request) Outcome {
	cert, err := p.criteria.Compute(p.signer, req.Validator, req.Key.Block, req.Candidate, req.Info)
	switch {
	case err == nil:
		return Outcome{Request: req, Cert: cert}
	case errors.Is(err, ErrKeyUnavailable), errors.Is(err, assignment.ErrUnknownValidator):
		return Outcome{Request: req, Err: err}
	default:
		log.Voting.Error().Err(err).Stringer("candidate", req.Key).Msg("assignment certificate signing failed")
		return Outcome{Request: req, Err: fmt.Errorf("%w: %w", ErrSigningFailed, err)}
	}
}

func (p *Pipeline) approve(req Request) Outcome {
	logger := log.Voting.With().
		Stringer("candidate", req.Key).
		Uint32("validator", uint32(req.Validator)).
		Logger()

	state, ok := p.ledger.State(req.Key)
	if !ok {
		logger.Debug().Msg("dropping vote request for unknown candidate")
		return Outcome{Request: req, Err: fmt.Errorf("%w: %s", approval.ErrUnknownCandidate, req.Key)}
	}
	if state != CheckPassed {
		return Outcome{Request: req, Err: fmt.Errorf("%w: %s", ErrCheckNotPassed, req.Key)}
	}

	msg, err := SigningPayload(req.Key.Block, req.Candidate, req.Session)
	if err != nil {
		return Outcome{Request: req, Err: fmt.Errorf("%w: %w", ErrSigningFailed, err)}
	}
	sig, err := p.signer.Sign(req.Validator, msg)
	switch {
	case errors.Is(err, ErrKeyUnavailable):
		logger.Warn().Err(err).Msg("no local key for approval vote")
		return Outcome{Request: req, Err: err}
	case err != nil:
		logger.Error().Err(err).Msg("approval vote signing failed")
		return Outcome{Request: req, Err: fmt.Errorf("%w: %w", ErrSigningFailed, err)}
	}

	return Outcome{
		Request: req,
		Vote: Vote{
			Validator: req.Validator,
			Key:       req.Key,
			Candidate: req.Candidate,
			Session:   req.Session,
			Signature: sig,
		},
	}
}
