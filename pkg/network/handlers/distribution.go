package handlers

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/message"
	"github.com/eigerco/approval-voting/pkg/network/protocol"
)

// DecodeError reports a message from Peer that could not be decoded. The
// stream is dropped; nothing reaches the sink.
type DecodeError struct {
	Peer ed25519.PublicKey
	Kind protocol.StreamKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("malformed %s message from %s: %v", e.Kind, hex.EncodeToString(e.Peer), e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DistributionHandler reads framed messages of one kind from a stream until
// the peer closes it, decodes each and forwards it to the sink.
type DistributionHandler struct {
	kind   protocol.StreamKind
	decode func(peer ed25519.PublicKey, b []byte) (message.Inbound, error)
	sink   chan<- message.Inbound
}

func NewAssignmentHandler(sink chan<- message.Inbound) *DistributionHandler {
	return &DistributionHandler{
		kind: protocol.StreamKindAssignmentDist,
		sink: sink,
		decode: func(peer ed25519.PublicKey, b []byte) (message.Inbound, error) {
			a, err := message.DecodeAssignment(b)
			if err != nil {
				return message.Inbound{}, err
			}
			return message.Inbound{Peer: peer, Assignment: &a}, nil
		},
	}
}

func NewApprovalHandler(sink chan<- message.Inbound) *DistributionHandler {
	return &DistributionHandler{
		kind: protocol.StreamKindApprovalDist,
		sink: sink,
		decode: func(peer ed25519.PublicKey, b []byte) (message.Inbound, error) {
			a, err := message.DecodeApproval(b)
			if err != nil {
				return message.Inbound{}, err
			}
			return message.Inbound{Peer: peer, Approval: &a}, nil
		},
	}
}

func (h *DistributionHandler) HandleStream(ctx context.Context, stream quic.Stream, peerKey ed25519.PublicKey) error {
	defer stream.Close()

	for {
		msg, err := ReadMessageWithContext(ctx, stream)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to read %s message: %w", h.kind, err)
		}

		in, err := h.decode(peerKey, msg.Content)
		if err != nil {
			stream.CancelRead(0)
			return &DecodeError{Peer: peerKey, Kind: h.kind, Err: err}
		}

		select {
		case h.sink <- in:
		case <-ctx.Done():
			return nil
		}
	}
}

// PeerSet lists the connections a Broadcaster sends to.
type PeerSet interface {
	Peers() []*protocol.Conn
}

// Broadcaster sends our assignments and approvals to every connected peer,
// one stream per message.
type Broadcaster struct {
	peers PeerSet
}

func NewBroadcaster(peers PeerSet) *Broadcaster {
	return &Broadcaster{peers: peers}
}

func (b *Broadcaster) SendAssignment(ctx context.Context, a message.Assignment) error {
	payload, err := a.Encode()
	if err != nil {
		return err
	}
	return b.broadcast(ctx, protocol.StreamKindAssignmentDist, payload)
}

func (b *Broadcaster) SendApproval(ctx context.Context, a message.Approval) error {
	payload, err := a.Encode()
	if err != nil {
		return err
	}
	return b.broadcast(ctx, protocol.StreamKindApprovalDist, payload)
}

// broadcast sends to all peers at once and returns the joined errors of
// every peer it failed to reach.
func (b *Broadcaster) broadcast(ctx context.Context, kind protocol.StreamKind, payload []byte) error {
	peers := b.peers.Peers()
	errs := make([]error, len(peers))
	var g errgroup.Group
	for i, conn := range peers {
		g.Go(func() error {
			if err := SendMessage(ctx, conn, kind, payload); err != nil {
				errs[i] = fmt.Errorf("peer %s: %w", hex.EncodeToString(conn.PeerKey()), err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// SendMessage opens a stream of the given kind on conn and writes payload as
// a single framed message.
func SendMessage(ctx context.Context, conn *protocol.Conn, kind protocol.StreamKind, payload []byte) error {
	stream, err := conn.OpenStream(ctx, kind)
	if err != nil {
		return fmt.Errorf("failed to open %s stream: %w", kind, err)
	}
	defer stream.Close()

	return WriteMessageWithContext(ctx, stream, payload)
}
