package approval

import (
	"fmt"
	"slices"

	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
)

// CandidateKey addresses a candidate by the relay block that included it and
// its position in that block.
type CandidateKey struct {
	Block crypto.Hash
	Index uint32
}

func (k CandidateKey) String() string {
	return fmt.Sprintf("%s/%d", k.Block, k.Index)
}

// Status is the approval status of a candidate.
type Status uint8

const (
	StatusPending Status = iota
	StatusApproved
	StatusUndetermined
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusApproved:
		return "approved"
	case StatusUndetermined:
		return "undetermined"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// AssignmentState places an assigned validator in exactly one partition.
type AssignmentState uint8

const (
	AssignmentPending AssignmentState = iota
	AssignmentApproved
	AssignmentNoShow
)

func (s AssignmentState) String() string {
	switch s {
	case AssignmentPending:
		return "pending"
	case AssignmentApproved:
		return "approved"
	case AssignmentNoShow:
		return "no-show"
	default:
		return fmt.Sprintf("assignment(%d)", uint8(s))
	}
}

type Assignment struct {
	Tranche uint32
	State   AssignmentState
}

// OurAssignment is the local validator's own assignment to a candidate.
type OurAssignment struct {
	Tranche   uint32
	Cert      []byte
	Triggered bool // Broadcast and imported into Assignments.
}

// BlockEntry is a relay-chain block tracked by the store.
type BlockEntry struct {
	Hash       crypto.Hash
	Parent     crypto.Hash
	Number     uint32
	Session    session.Index
	Tick       tick.Tick // Tranche zero becomes due at this tick.
	Candidates []crypto.Hash
}

// CandidateEntry is the per-(block, candidate) approval record.
type CandidateEntry struct {
	Hash          crypto.Hash
	Assignments   map[session.ValidatorIndex]Assignment
	ActiveTranche uint32
	ActivatedAt   []tick.Tick // ActivatedAt[t] is when tranche t became active.
	Approved      bool        // Sticky once the threshold is met.
	Ours          *OurAssignment
}

// Clone returns a deep copy safe to hand out of the store.
func (c *CandidateEntry) Clone() CandidateEntry {
	out := *c
	out.Assignments = make(map[session.ValidatorIndex]Assignment, len(c.Assignments))
	for v, a := range c.Assignments {
		out.Assignments[v] = a
	}
	out.ActivatedAt = slices.Clone(c.ActivatedAt)
	if c.Ours != nil {
		ours := *c.Ours
		ours.Cert = slices.Clone(c.Ours.Cert)
		out.Ours = &ours
	}
	return out
}

// Validators returns the validators in state s, sorted.
func (c *CandidateEntry) Validators(s AssignmentState) []session.ValidatorIndex {
	var out []session.ValidatorIndex
	for v, a := range c.Assignments {
		if a.State == s {
			out = append(out, v)
		}
	}
	slices.Sort(out)
	return out
}

// ByTranche groups the assigned validators by the tranche of their assignment.
func (c *CandidateEntry) ByTranche() map[uint32][]session.ValidatorIndex {
	out := make(map[uint32][]session.ValidatorIndex)
	for v, a := range c.Assignments {
		out[a.Tranche] = append(out[a.Tranche], v)
	}
	for t := range out {
		slices.Sort(out[t])
	}
	return out
}

func (c *CandidateEntry) countApproved() int {
	n := 0
	for _, a := range c.Assignments {
		if a.State == AssignmentApproved {
			n++
		}
	}
	return n
}

// covered counts assignments of every state in active tranches, and the
// no-shows among them.
func (c *CandidateEntry) covered() (assigned, noShows int) {
	for _, a := range c.Assignments {
		if a.Tranche > c.ActiveTranche {
			continue
		}
		assigned++
		if a.State == AssignmentNoShow {
			noShows++
		}
	}
	return assigned, noShows
}

func (c *CandidateEntry) pendingActive() int {
	n := 0
	for _, a := range c.Assignments {
		if a.Tranche <= c.ActiveTranche && a.State == AssignmentPending {
			n++
		}
	}
	return n
}

// TranchePolicy maps a tranche of a block to the tick at which it becomes due.
// It is supplied by the assignment criteria.
type TranchePolicy interface {
	TrancheTick(base tick.Tick, tranche uint32) tick.Tick
}

// SessionLookup resolves a session index to its metadata.
type SessionLookup interface {
	Info(idx session.Index) (session.Info, error)
}

// PrunedCandidate identifies a candidate removed from the store.
type PrunedCandidate struct {
	Key  CandidateKey
	Hash crypto.Hash
}

// NoShowReport summarises one no-show evaluation.
type NoShowReport struct {
	NoShows   []session.ValidatorIndex
	Activated []uint32
}
