package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/pkg/log"
)

// Conn is a peer connection that opens and dispatches typed streams.
type Conn struct {
	conn     quic.Connection
	peerKey  ed25519.PublicKey
	registry *Registry
}

func NewConn(conn quic.Connection, peerKey ed25519.PublicKey, registry *Registry) *Conn {
	return &Conn{conn: conn, peerKey: peerKey, registry: registry}
}

func (c *Conn) PeerKey() ed25519.PublicKey { return c.peerKey }

// OpenStream opens a new stream and writes kind as its first byte.
func (c *Conn) OpenStream(ctx context.Context, kind StreamKind) (quic.Stream, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	if err := writeWithContext(ctx, stream, []byte{byte(kind)}); err != nil {
		stream.Close()
		return nil, fmt.Errorf("failed to write stream kind: %w", err)
	}
	return stream, nil
}

// Serve accepts streams until ctx is done or the connection fails, running
// the registered handler for each in its own goroutine.
func (c *Conn) Serve(ctx context.Context) error {
	for {
		stream, err := c.conn.AcceptStream(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		kind := make([]byte, 1)
		if _, err := stream.Read(kind); err != nil {
			stream.Close()
			log.Network.Debug().Err(err).Msg("failed to read stream kind")
			continue
		}
		handler, err := c.registry.GetHandler(StreamKind(kind[0]))
		if err != nil {
			stream.CancelRead(0)
			stream.Close()
			log.Network.Debug().Err(err).Msg("rejecting stream")
			continue
		}

		go func() {
			if err := handler.HandleStream(ctx, stream, c.peerKey); err != nil {
				log.Network.Warn().Err(err).Stringer("kind", StreamKind(kind[0])).Msg("stream handler error")
			}
		}()
	}
}

func (c *Conn) Close() error {
	return c.conn.CloseWithError(0, "closing")
}

// writeWithContext writes bytes to a stream with context cancellation support.
func writeWithContext(ctx context.Context, stream quic.Stream, p []byte) error {
	done := make(chan error, 1)

	go func() {
		_, err := stream.Write(p)
		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
