package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eigerco/approval-voting/internal/session"
)

var ErrSessionNotAnnounced = errors.New("session not announced")

// SessionRegistry holds validator-set metadata announced by the chain for
// each session. The approval subsystem reads it when a leaf moves into a
// session it has not seen.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[session.Index]session.Info
}

func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[session.Index]session.Info)}
}

// Put announces the metadata of session idx.
func (r *SessionRegistry) Put(idx session.Index, info session.Info) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("session %d: %w", idx, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[idx] = info
	return nil
}

func (r *SessionRegistry) SessionInfo(_ context.Context, idx session.Index) (session.Info, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.sessions[idx]
	if !ok {
		return session.Info{}, fmt.Errorf("%w: %d", ErrSessionNotAnnounced, idx)
	}
	return info, nil
}
