package chain

import (
	"context"
	"fmt"
	"sync"

	"github.com/eigerco/approval-voting/internal/crypto"
)

// LatestFinalized is the most recently finalized block.
type LatestFinalized struct {
	Hash   crypto.Hash
	Number uint32
}

// Follower keeps the node's view of chain tips and finality and turns block
// events into Updates for the approval subsystem.
type Follower struct {
	mu              sync.RWMutex
	KnownLeaves     map[crypto.Hash]uint32 // Leaf hash to block number.
	LatestFinalized LatestFinalized
	parents         map[crypto.Hash]crypto.Hash
	numbers         map[crypto.Hash]uint32
	updates         chan Update
}

func NewFollower(buffer int) *Follower {
	return &Follower{
		KnownLeaves: make(map[crypto.Hash]uint32),
		parents:     make(map[crypto.Hash]crypto.Hash),
		numbers:     make(map[crypto.Hash]uint32),
		updates:     make(chan Update, buffer),
	}
}

// Updates is the stream consumed by the subsystem driver.
func (f *Follower) Updates() <-chan Update {
	return f.updates
}

// ImportBlock records a new block, updates the leaf set and publishes a NewLeaf.
// Blocks at or below the finalized height are rejected.
func (f *Follower) ImportBlock(ctx context.Context, leaf NewLeaf) error {
	f.mu.Lock()
	if f.LatestFinalized.Hash != (crypto.Hash{}) && leaf.Number <= f.LatestFinalized.Number {
		f.mu.Unlock()
		return fmt.Errorf("block %s at %d is not above finalized block %d", leaf.Hash, leaf.Number, f.LatestFinalized.Number)
	}
	f.parents[leaf.Hash] = leaf.Parent
	f.numbers[leaf.Hash] = leaf.Number
	delete(f.KnownLeaves, leaf.Parent)
	f.KnownLeaves[leaf.Hash] = leaf.Number
	f.mu.Unlock()

	return f.publish(ctx, leaf)
}

// Finalize moves the finalized pointer to hash and forgets everything at or below it.
func (f *Follower) Finalize(ctx context.Context, hash crypto.Hash) error {
	f.mu.Lock()
	number, ok := f.numbers[hash]
	if !ok {
		f.mu.Unlock()
		return fmt.Errorf("finalize unknown block %s", hash)
	}
	f.LatestFinalized = LatestFinalized{Hash: hash, Number: number}
	for h, n := range f.numbers {
		if n < number {
			delete(f.numbers, h)
			delete(f.parents, h)
			delete(f.KnownLeaves, h)
		}
	}
	f.mu.Unlock()

	return f.publish(ctx, Finalized{Hash: hash, Number: number})
}

// Revert drops hash and its descendants from the leaf set and publishes a Reverted.
func (f *Follower) Revert(ctx context.Context, hash crypto.Hash) error {
	f.mu.Lock()
	if _, ok := f.numbers[hash]; !ok {
		f.mu.Unlock()
		return fmt.Errorf("revert unknown block %s", hash)
	}
	parent := f.parents[hash]
	for _, h := range f.descendantsLocked(hash) {
		delete(f.KnownLeaves, h)
		delete(f.numbers, h)
		delete(f.parents, h)
	}
	if n, ok := f.numbers[parent]; ok && !f.hasChildLocked(parent) {
		f.KnownLeaves[parent] = n
	}
	f.mu.Unlock()

	return f.publish(ctx, Reverted{Hash: hash})
}

// Leaves returns a snapshot of the current leaf set.
func (f *Follower) Leaves() map[crypto.Hash]uint32 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[crypto.Hash]uint32, len(f.KnownLeaves))
	for h, n := range f.KnownLeaves {
		out[h] = n
	}
	return out
}

func (f *Follower) descendantsLocked(root crypto.Hash) []crypto.Hash {
	out := []crypto.Hash{root}
	seen := map[crypto.Hash]struct{}{root: {}}
	for grew := true; grew; {
		grew = false
		for h, p := range f.parents {
			if _, ok := seen[h]; ok {
				continue
			}
			if _, ok := seen[p]; ok {
				seen[h] = struct{}{}
				out = append(out, h)
				grew = true
			}
		}
	}
	return out
}

func (f *Follower) hasChildLocked(hash crypto.Hash) bool {
	for _, p := range f.parents {
		if p == hash {
			return true
		}
	}
	return false
}

func (f *Follower) publish(ctx context.Context, u Update) error {
	select {
	case f.updates <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
