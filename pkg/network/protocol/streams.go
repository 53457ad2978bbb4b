package protocol

import (
	"context"
	"fmt"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
)

const (
	StreamKindAssignmentDist StreamKind = 150
	StreamKindApprovalDist   StreamKind = 151
)

// StreamHandler processes individual QUIC streams within a connection
type StreamHandler interface {
	HandleStream(ctx context.Context, stream quic.Stream, peerKey ed25519.PublicKey) error
}

// StreamKind is the first byte written on every stream and selects its handler.
type StreamKind byte

func (k StreamKind) String() string {
	switch k {
	case StreamKindAssignmentDist:
		return "assignment"
	case StreamKindApprovalDist:
		return "approval"
	default:
		return fmt.Sprintf("kind(%d)", byte(k))
	}
}

// Registry manages stream handlers for different protocol stream kinds
type Registry struct {
	mu       sync.RWMutex
	handlers map[StreamKind]StreamHandler
}

func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[StreamKind]StreamHandler),
	}
}

// ValidateKind checks that a handler exists for kindByte.
func (r *Registry) ValidateKind(kindByte byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.handlers[StreamKind(kindByte)]; !ok {
		return fmt.Errorf("invalid stream kind: %d", kindByte)
	}
	return nil
}

// RegisterHandler associates a stream handler with a specific stream kind.
func (r *Registry) RegisterHandler(kind StreamKind, handler StreamHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
}

// GetHandler retrieves the handler associated with a given stream kind.
func (r *Registry) GetHandler(kind StreamKind) (StreamHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler for kind %d", kind)
	}
	return handler, nil
}
