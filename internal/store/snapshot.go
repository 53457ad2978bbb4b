package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/ChainSafe/gossamer/pkg/scale"

	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/tick"
	"github.com/eigerco/approval-voting/internal/voting"
	"github.com/eigerco/approval-voting/internal/wakeup"
	"github.com/eigerco/approval-voting/pkg/db"
)

var ErrSnapshotsClosed = errors.New("snapshot store is closed")

// Snapshot is everything needed to resume the subsystem after a restart.
type Snapshot struct {
	Sessions   []session.Entry
	Blocks     []approval.BlockEntry
	Candidates []approval.CandidateRecord
	Wakeups    []wakeup.Entry
	Checks     []CheckRecord
}

// CheckRecord is a persisted local-check ledger entry.
type CheckRecord struct {
	Key   approval.CandidateKey
	State voting.CheckState
}

// Changes is one incremental update of the persisted state. Only the records
// it names are written.
type Changes struct {
	// Sessions, when non-empty, replaces every stored session.
	Sessions      []session.Entry
	Blocks        []approval.BlockEntry
	RemovedBlocks []crypto.Hash
	Candidates    []CandidateChange
}

// CandidateChange is the current state of one candidate. A nil Entry removes
// the candidate together with its wakeup and check; a nil Wakeup or Check
// removes just that record.
type CandidateChange struct {
	Key    approval.CandidateKey
	Entry  *approval.CandidateEntry
	Wakeup *tick.Tick
	Check  *voting.CheckState
}

func (c Changes) Empty() bool {
	return len(c.Sessions) == 0 && len(c.Blocks) == 0 && len(c.RemovedBlocks) == 0 && len(c.Candidates) == 0
}

// Snapshots persists approval state in a key-value store, one record per
// session, block, candidate, wakeup and check.
type Snapshots struct {
	db     db.KVStore
	closed atomic.Bool
}

func NewSnapshots(kv db.KVStore) *Snapshots {
	return &Snapshots{db: kv}
}

// Apply writes the changed records in a single batch.
func (s *Snapshots) Apply(ch Changes) error {
	if s.closed.Load() {
		return ErrSnapshotsClosed
	}
	if ch.Empty() {
		return nil
	}

	batch := s.db.NewBatch()
	defer batch.Close()

	if len(ch.Sessions) > 0 {
		if err := s.deletePrefix(batch, prefixSession); err != nil {
			return err
		}
		for _, e := range ch.Sessions {
			if err := put(batch, sessionKey(e.Index), toSessionRecord(e)); err != nil {
				return fmt.Errorf("store session %d: %w", e.Index, err)
			}
		}
	}
	for _, b := range ch.Blocks {
		if err := put(batch, makeKey(prefixBlock, b.Hash[:]), toBlockRecord(b)); err != nil {
			return fmt.Errorf("store block %s: %w", b.Hash, err)
		}
	}
	for _, h := range ch.RemovedBlocks {
		if err := batch.Delete(makeKey(prefixBlock, h[:])); err != nil {
			return fmt.Errorf("delete block %s: %w", h, err)
		}
	}
	for _, c := range ch.Candidates {
		if err := applyCandidate(batch, c); err != nil {
			return fmt.Errorf("store candidate %s: %w", c.Key, err)
		}
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf(ErrFailedBatchCommit, err)
	}
	return nil
}

func applyCandidate(batch db.Batch, c CandidateChange) error {
	id := candidateID(c.Key)
	candidate := makeKey(prefixCandidate, id)
	wakeupAt := makeKey(prefixWakeup, id)
	check := makeKey(prefixCheck, id)

	if c.Entry == nil {
		for _, k := range [][]byte{candidate, wakeupAt, check} {
			if err := batch.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}

	if err := put(batch, candidate, toCandidateRecord(*c.Entry)); err != nil {
		return err
	}
	var err error
	if c.Wakeup != nil {
		err = batch.Put(wakeupAt, wakeupValue(*c.Wakeup, c.Entry.Hash))
	} else {
		err = batch.Delete(wakeupAt)
	}
	if err != nil {
		return err
	}
	if c.Check != nil {
		return batch.Put(check, []byte{byte(*c.Check)})
	}
	return batch.Delete(check)
}

// Load reads the last saved snapshot. An empty store yields an empty snapshot.
func (s *Snapshots) Load() (Snapshot, error) {
	if s.closed.Load() {
		return Snapshot{}, ErrSnapshotsClosed
	}
	var snap Snapshot

	err := s.each(prefixSession, func(_, value []byte) error {
		var r sessionRecord
		if err := scale.Unmarshal(value, &r); err != nil {
			return err
		}
		snap.Sessions = append(snap.Sessions, r.entry())
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load sessions: %w", err)
	}

	err = s.each(prefixBlock, func(_, value []byte) error {
		var r blockRecord
		if err := scale.Unmarshal(value, &r); err != nil {
			return err
		}
		snap.Blocks = append(snap.Blocks, r.entry())
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load blocks: %w", err)
	}

	err = s.each(prefixCandidate, func(key, value []byte) error {
		ck, err := parseCandidateKey(key[1:])
		if err != nil {
			return err
		}
		var r candidateRecord
		if err := scale.Unmarshal(value, &r); err != nil {
			return err
		}
		snap.Candidates = append(snap.Candidates, approval.CandidateRecord{Key: ck, Entry: r.entry()})
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load candidates: %w", err)
	}

	err = s.each(prefixWakeup, func(key, value []byte) error {
		w, err := parseWakeup(key[1:], value)
		if err != nil {
			return err
		}
		snap.Wakeups = append(snap.Wakeups, w)
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load wakeups: %w", err)
	}
	slices.SortFunc(snap.Wakeups, func(a, b wakeup.Entry) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})

	err = s.each(prefixCheck, func(key, value []byte) error {
		ck, err := parseCandidateKey(key[1:])
		if err != nil {
			return err
		}
		if len(value) != 1 {
			return fmt.Errorf("check %s: bad value length %d", ck, len(value))
		}
		snap.Checks = append(snap.Checks, CheckRecord{Key: ck, State: voting.CheckState(value[0])})
		return nil
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("load checks: %w", err)
	}
	return snap, nil
}

// Close marks the store closed. The underlying key-value store is owned by the caller.
func (s *Snapshots) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *Snapshots) each(prefix byte, fn func(key, value []byte) error) error {
	iter, err := s.db.NewIterator([]byte{prefix}, []byte{prefix + 1})
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	for iter.Next() {
		value, err := iter.Value()
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), value); err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshots) deletePrefix(batch db.Batch, prefix byte) error {
	iter, err := s.db.NewIterator([]byte{prefix}, []byte{prefix + 1})
	if err != nil {
		return fmt.Errorf("create iterator: %w", err)
	}
	defer iter.Close()

	for iter.Next() {
		if err := batch.Delete(iter.Key()); err != nil {
			return fmt.Errorf("delete %s record: %w", PrefixToString(prefix), err)
		}
	}
	return nil
}

func put(batch db.Batch, key []byte, record any) error {
	b, err := scale.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return batch.Put(key, b)
}

func sessionKey(idx session.Index) []byte {
	return makeKey(prefixSession, binary.BigEndian.AppendUint32(nil, uint32(idx)))
}

// candidateID is the key suffix shared by a candidate's records.
func candidateID(k approval.CandidateKey) []byte {
	return binary.BigEndian.AppendUint32(k.Block[:], k.Index)
}

func parseCandidateKey(b []byte) (approval.CandidateKey, error) {
	if len(b) != crypto.HashSize+4 {
		return approval.CandidateKey{}, fmt.Errorf("candidate key has %d bytes", len(b))
	}
	return approval.CandidateKey{
		Block: crypto.Hash(b[:crypto.HashSize]),
		Index: binary.BigEndian.Uint32(b[crypto.HashSize:]),
	}, nil
}

func wakeupValue(at tick.Tick, candidate crypto.Hash) []byte {
	return append(binary.BigEndian.AppendUint64(nil, uint64(at)), candidate[:]...)
}

func parseWakeup(id, value []byte) (wakeup.Entry, error) {
	key, err := parseCandidateKey(id)
	if err != nil {
		return wakeup.Entry{}, err
	}
	if len(value) != 8+crypto.HashSize {
		return wakeup.Entry{}, fmt.Errorf("wakeup %s: bad value length %d", key, len(value))
	}
	return wakeup.Entry{
		At: tick.Tick(binary.BigEndian.Uint64(value[:8])),
		Target: wakeup.Target{
			Block:     key.Block,
			Candidate: crypto.Hash(value[8:]),
		},
	}, nil
}

type sessionRecord struct {
	Index           uint32
	Validators      [][]byte
	NumTranches     uint32
	NoShowDelay     uint64
	NeededApprovals uint32
}

func toSessionRecord(e session.Entry) sessionRecord {
	r := sessionRecord{
		Index:           uint32(e.Index),
		NumTranches:     e.Info.NumTranches,
		NoShowDelay:     uint64(e.Info.NoShowDelay),
		NeededApprovals: e.Info.NeededApprovals,
	}
	for _, v := range e.Info.Validators {
		r.Validators = append(r.Validators, []byte(v))
	}
	return r
}

func (r sessionRecord) entry() session.Entry {
	info := session.Info{
		NumTranches:     r.NumTranches,
		NoShowDelay:     tick.Tick(r.NoShowDelay),
		NeededApprovals: r.NeededApprovals,
	}
	for _, v := range r.Validators {
		info.Validators = append(info.Validators, ed25519.PublicKey(v))
	}
	return session.Entry{Index: session.Index(r.Index), Info: info}
}

type blockRecord struct {
	Hash       crypto.Hash
	Parent     crypto.Hash
	Number     uint32
	Session    uint32
	Tick       uint64
	Candidates []crypto.Hash
}

func toBlockRecord(b approval.BlockEntry) blockRecord {
	return blockRecord{
		Hash:       b.Hash,
		Parent:     b.Parent,
		Number:     b.Number,
		Session:    uint32(b.Session),
		Tick:       uint64(b.Tick),
		Candidates: b.Candidates,
	}
}

func (r blockRecord) entry() approval.BlockEntry {
	return approval.BlockEntry{
		Hash:       r.Hash,
		Parent:     r.Parent,
		Number:     r.Number,
		Session:    session.Index(r.Session),
		Tick:       tick.Tick(r.Tick),
		Candidates: r.Candidates,
	}
}

type assignmentRecord struct {
	Validator uint32
	Tranche   uint32
	State     uint8
}

type candidateRecord struct {
	Hash          crypto.Hash
	Assignments   []assignmentRecord
	ActiveTranche uint32
	ActivatedAt   []uint64
	Approved      bool
	HasOurs       bool
	OursTranche   uint32
	OursCert      []byte
	OursTriggered bool
}

func toCandidateRecord(c approval.CandidateEntry) candidateRecord {
	r := candidateRecord{
		Hash:          c.Hash,
		ActiveTranche: c.ActiveTranche,
		Approved:      c.Approved,
	}
	for _, t := range c.ActivatedAt {
		r.ActivatedAt = append(r.ActivatedAt, uint64(t))
	}
	for tranche, validators := range c.ByTranche() {
		for _, v := range validators {
			r.Assignments = append(r.Assignments, assignmentRecord{
				Validator: uint32(v),
				Tranche:   tranche,
				State:     uint8(c.Assignments[v].State),
			})
		}
	}
	if c.Ours != nil {
		r.HasOurs = true
		r.OursTranche = c.Ours.Tranche
		r.OursCert = c.Ours.Cert
		r.OursTriggered = c.Ours.Triggered
	}
	return r
}

func (r candidateRecord) entry() approval.CandidateEntry {
	c := approval.CandidateEntry{
		Hash:          r.Hash,
		Assignments:   make(map[session.ValidatorIndex]approval.Assignment, len(r.Assignments)),
		ActiveTranche: r.ActiveTranche,
		Approved:      r.Approved,
	}
	for _, t := range r.ActivatedAt {
		c.ActivatedAt = append(c.ActivatedAt, tick.Tick(t))
	}
	for _, a := range r.Assignments {
		c.Assignments[session.ValidatorIndex(a.Validator)] = approval.Assignment{
			Tranche: a.Tranche,
			State:   approval.AssignmentState(a.State),
		}
	}
	if r.HasOurs {
		c.Ours = &approval.OurAssignment{
			Tranche:   r.OursTranche,
			Cert:      r.OursCert,
			Triggered: r.OursTriggered,
		}
	}
	return c
}
