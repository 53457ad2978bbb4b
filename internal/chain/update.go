package chain

import (
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
)

// Update is a chain-follow notification: NewLeaf, Finalized or Reverted.
type Update interface {
	isUpdate()
}

// NewLeaf announces a newly imported relay-chain block.
type NewLeaf struct {
	Hash       crypto.Hash
	Parent     crypto.Hash
	Number     uint32
	Session    session.Index
	Tick       tick.Tick // Tick at which the block's tranche zero is due.
	Candidates []crypto.Hash
}

// Finalized announces that Hash, and so all its ancestors, is final.
type Finalized struct {
	Hash   crypto.Hash
	Number uint32
}

// Reverted announces that Hash and its descendants left the chain.
type Reverted struct {
	Hash crypto.Hash
}

func (NewLeaf) isUpdate()   {}
func (Finalized) isUpdate() {}
func (Reverted) isUpdate()  {}
