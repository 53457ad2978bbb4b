package approval

import (
	"fmt"
	"slices"

	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
)

// Store is the canonical candidate and block state. It is owned by the
// subsystem driver and is not safe for concurrent use.
type Store struct {
	sessions   SessionLookup
	blocks     map[crypto.Hash]*BlockEntry
	candidates map[CandidateKey]*CandidateEntry
	bySession  map[session.Index]map[crypto.Hash]struct{}
	onRemove   func(crypto.Hash)
}

func NewStore(sessions SessionLookup) *Store {
	return &Store{
		sessions:   sessions,
		blocks:     make(map[crypto.Hash]*BlockEntry),
		candidates: make(map[CandidateKey]*CandidateEntry),
		bySession:  make(map[session.Index]map[crypto.Hash]struct{}),
	}
}

// OnRemoveBlock registers fn to run for every block a prune drops.
func (s *Store) OnRemoveBlock(fn func(crypto.Hash)) {
	s.onRemove = fn
}

// InsertBlock imports a block and creates an empty record for each of its
// candidates. The block's session must be present in the window and a
// candidate hash may appear only once per block.
func (s *Store) InsertBlock(b BlockEntry) error {
	if _, ok := s.blocks[b.Hash]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateBlock, b.Hash)
	}
	if _, err := s.sessions.Info(b.Session); err != nil {
		return fmt.Errorf("block %s: %w", b.Hash, err)
	}
	seen := make(map[crypto.Hash]struct{}, len(b.Candidates))
	for _, c := range b.Candidates {
		if _, ok := seen[c]; ok {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateCandidate, c, b.Hash)
		}
		seen[c] = struct{}{}
	}

	entry := b
	entry.Candidates = slices.Clone(b.Candidates)
	s.blocks[b.Hash] = &entry

	for i, c := range entry.Candidates {
		s.candidates[CandidateKey{Block: b.Hash, Index: uint32(i)}] = &CandidateEntry{
			Hash:        c,
			Assignments: make(map[session.ValidatorIndex]Assignment),
			ActivatedAt: []tick.Tick{b.Tick},
		}
	}

	set, ok := s.bySession[b.Session]
	if !ok {
		set = make(map[crypto.Hash]struct{})
		s.bySession[b.Session] = set
	}
	set[b.Hash] = struct{}{}
	return nil
}

func (s *Store) Block(hash crypto.Hash) (BlockEntry, bool) {
	b, ok := s.blocks[hash]
	if !ok {
		return BlockEntry{}, false
	}
	return *b, true
}

// Candidate returns a copy of the record at key.
func (s *Store) Candidate(key CandidateKey) (CandidateEntry, error) {
	c, ok := s.candidates[key]
	if !ok {
		return CandidateEntry{}, fmt.Errorf("%w: %s", ErrUnknownCandidate, key)
	}
	return c.Clone(), nil
}

// Lookup resolves a candidate hash within a block to its key.
func (s *Store) Lookup(block, candidate crypto.Hash) (CandidateKey, bool) {
	b, ok := s.blocks[block]
	if !ok {
		return CandidateKey{}, false
	}
	i := slices.Index(b.Candidates, candidate)
	if i < 0 {
		return CandidateKey{}, false
	}
	return CandidateKey{Block: block, Index: uint32(i)}, true
}

// Keys returns the keys of all tracked candidates, ordered by block hash then index.
func (s *Store) Keys() []CandidateKey {
	keys := make([]CandidateKey, 0, len(s.candidates))
	for k := range s.candidates {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

func (s *Store) BlockCount() int { return len(s.blocks) }

func (s *Store) Len() int { return len(s.candidates) }

// lookup resolves the record and the session metadata it is judged against.
func (s *Store) lookup(key CandidateKey) (*CandidateEntry, *BlockEntry, session.Info, error) {
	c, ok := s.candidates[key]
	if !ok {
		return nil, nil, session.Info{}, fmt.Errorf("%w: %s", ErrUnknownCandidate, key)
	}
	b := s.blocks[key.Block]
	info, err := s.sessions.Info(b.Session)
	if err != nil {
		return nil, nil, session.Info{}, fmt.Errorf("candidate %s: %w", key, err)
	}
	return c, b, info, nil
}

// RecordAssignment records validator v as assigned to the candidate in the
// given tranche. A validator can be assigned at most once per candidate.
func (s *Store) RecordAssignment(key CandidateKey, v session.ValidatorIndex, tranche uint32) error {
	c, _, info, err := s.lookup(key)
	if err != nil {
		return err
	}
	if int(v) >= len(info.Validators) {
		return fmt.Errorf("%w: %d", ErrUnknownValidator, v)
	}
	if tranche > info.FinalTranche() {
		return fmt.Errorf("%w: %d", ErrInvalidTranche, tranche)
	}
	if _, ok := c.Assignments[v]; ok {
		return fmt.Errorf("%w: validator %d on %s", ErrDuplicateAssignment, v, key)
	}
	c.Assignments[v] = Assignment{Tranche: tranche, State: AssignmentPending}
	return nil
}

// RecordApproval moves validator v into the approved partition and returns
// the resulting status. Repeated approvals are no-ops.
func (s *Store) RecordApproval(key CandidateKey, v session.ValidatorIndex) (Status, error) {
	c, _, info, err := s.lookup(key)
	if err != nil {
		return StatusPending, err
	}
	a, ok := c.Assignments[v]
	if !ok {
		return StatusPending, fmt.Errorf("%w: validator %d on %s", ErrUnassignedValidator, v, key)
	}
	if a.State != AssignmentApproved {
		a.State = AssignmentApproved
		c.Assignments[v] = a
	}
	if c.countApproved() >= int(info.NeededApprovals) {
		c.Approved = true
	}
	return status(c, info), nil
}

// SetOurAssignment attaches the local validator's assignment to the candidate.
func (s *Store) SetOurAssignment(key CandidateKey, ours OurAssignment) error {
	c, ok := s.candidates[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, key)
	}
	ours.Cert = slices.Clone(ours.Cert)
	c.Ours = &ours
	return nil
}

// MarkTriggered flags the local assignment as broadcast.
func (s *Store) MarkTriggered(key CandidateKey) error {
	c, ok := s.candidates[key]
	if !ok || c.Ours == nil {
		return fmt.Errorf("%w: %s", ErrUnknownCandidate, key)
	}
	c.Ours.Triggered = true
	return nil
}

func (s *Store) ApprovalStatus(key CandidateKey) (Status, error) {
	c, _, info, err := s.lookup(key)
	if err != nil {
		return StatusPending, err
	}
	return status(c, info), nil
}

func status(c *CandidateEntry, info session.Info) Status {
	if c.Approved {
		return StatusApproved
	}
	if c.ActiveTranche >= info.FinalTranche() && c.pendingActive() == 0 {
		return StatusUndetermined
	}
	return StatusPending
}

// deadline is the tick after which a pending assignment counts as a no-show.
func deadline(c *CandidateEntry, b *BlockEntry, a Assignment, info session.Info, policy TranchePolicy) tick.Tick {
	due := policy.TrancheTick(b.Tick, a.Tranche)
	if int(a.Tranche) < len(c.ActivatedAt) {
		due = tick.Max(due, c.ActivatedAt[a.Tranche])
	}
	return due.Add(info.NoShowDelay)
}

// CheckNoShows marks overdue pending assignments in active tranches as
// no-shows, then activates further tranches one at a time while coverage is
// short and the next tranche is due.
func (s *Store) CheckNoShows(key CandidateKey, now tick.Tick, policy TranchePolicy) (NoShowReport, error) {
	c, b, info, err := s.lookup(key)
	if err != nil {
		return NoShowReport{}, err
	}
	var report NoShowReport
	if c.Approved {
		return report, nil
	}

	for v, a := range c.Assignments {
		if a.State != AssignmentPending || a.Tranche > c.ActiveTranche {
			continue
		}
		if now >= deadline(c, b, a, info, policy) {
			a.State = AssignmentNoShow
			c.Assignments[v] = a
			report.NoShows = append(report.NoShows, v)
		}
	}
	slices.Sort(report.NoShows)

	for c.ActiveTranche < info.FinalTranche() {
		assigned, noShows := c.covered()
		if assigned >= int(info.NeededApprovals)+noShows {
			break
		}
		next := c.ActiveTranche + 1
		if policy.TrancheTick(b.Tick, next) > now {
			break
		}
		c.ActiveTranche = next
		c.ActivatedAt = append(c.ActivatedAt, now)
		report.Activated = append(report.Activated, next)
	}
	return report, nil
}

// NextWakeup returns the earliest future tick at which the candidate needs
// attention: a pending no-show deadline, the local assignment becoming due,
// or the next tranche when coverage is short.
func (s *Store) NextWakeup(key CandidateKey, now tick.Tick, policy TranchePolicy) (tick.Tick, bool, error) {
	c, b, info, err := s.lookup(key)
	if err != nil {
		return 0, false, err
	}
	if c.Approved {
		return 0, false, nil
	}

	var (
		next  tick.Tick
		found bool
	)
	consider := func(t tick.Tick) {
		if t <= now {
			t = now + 1
		}
		if !found || t < next {
			next, found = t, true
		}
	}

	for _, a := range c.Assignments {
		if a.State == AssignmentPending && a.Tranche <= c.ActiveTranche {
			consider(deadline(c, b, a, info, policy))
		}
	}
	if c.Ours != nil && !c.Ours.Triggered && c.Ours.Tranche <= c.ActiveTranche {
		consider(policy.TrancheTick(b.Tick, c.Ours.Tranche))
	}
	if c.ActiveTranche < info.FinalTranche() {
		assigned, noShows := c.covered()
		if assigned < int(info.NeededApprovals)+noShows {
			consider(policy.TrancheTick(b.Tick, c.ActiveTranche+1))
		}
	}
	return next, found, nil
}

// OurDue reports whether the local assignment is untriggered and its tranche
// is both active and due at now.
func (s *Store) OurDue(key CandidateKey, now tick.Tick, policy TranchePolicy) bool {
	c, ok := s.candidates[key]
	if !ok || c.Ours == nil || c.Ours.Triggered || c.Approved {
		return false
	}
	b := s.blocks[key.Block]
	return c.Ours.Tranche <= c.ActiveTranche && policy.TrancheTick(b.Tick, c.Ours.Tranche) <= now
}

// ApprovedAncestor walks from hash towards the root and returns the highest
// block whose ancestry, including itself, has every candidate approved.
func (s *Store) ApprovedAncestor(hash crypto.Hash) (BlockEntry, bool) {
	var chain []*BlockEntry
	for b, ok := s.blocks[hash]; ok; b, ok = s.blocks[b.Parent] {
		chain = append(chain, b)
	}
	var (
		best  BlockEntry
		found bool
	)
	for i := len(chain) - 1; i >= 0; i-- {
		if !s.blockApproved(chain[i]) {
			break
		}
		best, found = *chain[i], true
	}
	return best, found
}

func (s *Store) blockApproved(b *BlockEntry) bool {
	for i := range b.Candidates {
		c := s.candidates[CandidateKey{Block: b.Hash, Index: uint32(i)}]
		if c == nil || !c.Approved {
			return false
		}
	}
	return true
}

// PruneSession removes every block of the session and its candidate records.
func (s *Store) PruneSession(idx session.Index) []PrunedCandidate {
	var out []PrunedCandidate
	for h := range s.bySession[idx] {
		out = append(out, s.removeBlock(h)...)
	}
	delete(s.bySession, idx)
	slices.SortFunc(out, func(a, b PrunedCandidate) int { return compareKeys(a.Key, b.Key) })
	return out
}

// PruneFinalized removes the finalized block, its ancestors and any block at
// or below its height.
func (s *Store) PruneFinalized(hash crypto.Hash, number uint32) []PrunedCandidate {
	doomed := make(map[crypto.Hash]struct{})
	for b, ok := s.blocks[hash]; ok; b, ok = s.blocks[b.Parent] {
		doomed[b.Hash] = struct{}{}
	}
	for h, b := range s.blocks {
		if b.Number <= number {
			doomed[h] = struct{}{}
		}
	}
	return s.removeAll(doomed)
}

// PruneReverted removes the block and all of its descendants.
func (s *Store) PruneReverted(hash crypto.Hash) []PrunedCandidate {
	if _, ok := s.blocks[hash]; !ok {
		return nil
	}
	doomed := map[crypto.Hash]struct{}{hash: {}}
	for grew := true; grew; {
		grew = false
		for h, b := range s.blocks {
			if _, ok := doomed[h]; ok {
				continue
			}
			if _, ok := doomed[b.Parent]; ok {
				doomed[h] = struct{}{}
				grew = true
			}
		}
	}
	return s.removeAll(doomed)
}

func (s *Store) removeAll(doomed map[crypto.Hash]struct{}) []PrunedCandidate {
	var out []PrunedCandidate
	for h := range doomed {
		out = append(out, s.removeBlock(h)...)
	}
	slices.SortFunc(out, func(a, b PrunedCandidate) int { return compareKeys(a.Key, b.Key) })
	return out
}

func (s *Store) removeBlock(hash crypto.Hash) []PrunedCandidate {
	b, ok := s.blocks[hash]
	if !ok {
		return nil
	}
	out := make([]PrunedCandidate, 0, len(b.Candidates))
	for i, c := range b.Candidates {
		key := CandidateKey{Block: hash, Index: uint32(i)}
		delete(s.candidates, key)
		out = append(out, PrunedCandidate{Key: key, Hash: c})
	}
	delete(s.blocks, hash)
	if set, ok := s.bySession[b.Session]; ok {
		delete(set, hash)
		if len(set) == 0 {
			delete(s.bySession, b.Session)
		}
	}
	if s.onRemove != nil {
		s.onRemove(hash)
	}
	return out
}

// CandidateRecord pairs a key with its entry for snapshots.
type CandidateRecord struct {
	Key   CandidateKey
	Entry CandidateEntry
}

// Restore replaces the store contents with a snapshot. Candidate records
// whose block is missing are rejected.
func (s *Store) Restore(blocks []BlockEntry, records []CandidateRecord) error {
	s.blocks = make(map[crypto.Hash]*BlockEntry, len(blocks))
	s.candidates = make(map[CandidateKey]*CandidateEntry, len(records))
	s.bySession = make(map[session.Index]map[crypto.Hash]struct{})

	for _, b := range blocks {
		entry := b
		entry.Candidates = slices.Clone(b.Candidates)
		s.blocks[b.Hash] = &entry
		set, ok := s.bySession[b.Session]
		if !ok {
			set = make(map[crypto.Hash]struct{})
			s.bySession[b.Session] = set
		}
		set[b.Hash] = struct{}{}
	}
	for _, r := range records {
		b, ok := s.blocks[r.Key.Block]
		if !ok || int(r.Key.Index) >= len(b.Candidates) {
			return fmt.Errorf("restore %s: %w", r.Key, ErrUnknownBlock)
		}
		entry := r.Entry.Clone()
		if entry.Assignments == nil {
			entry.Assignments = make(map[session.ValidatorIndex]Assignment)
		}
		s.candidates[r.Key] = &entry
	}
	return nil
}

func compareKeys(a, b CandidateKey) int {
	if c := a.Block.Compare(b.Block); c != 0 {
		return c
	}
	switch {
	case a.Index < b.Index:
		return -1
	case a.Index > b.Index:
		return 1
	}
	return 0
}
