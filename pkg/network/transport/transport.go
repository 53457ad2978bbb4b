// Package transport runs the QUIC endpoint that carries assignment and
// approval distribution between validators.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/pkg/log"
	"github.com/eigerco/approval-voting/pkg/network/cert"
	"github.com/eigerco/approval-voting/pkg/network/protocol"
)

// MaxIdleTimeout defines the maximum duration a connection can be idle before timing out
const MaxIdleTimeout = 30 * time.Minute

const defaultCertValidity = 24 * time.Hour

// Config contains all configuration parameters for a Transport
type Config struct {
	PrivateKey   ed25519.PrivateKey
	ListenAddr   string
	Network      string
	Registry     *protocol.Registry
	CertValidity time.Duration
}

// Transport manages QUIC connections and their lifecycles. Every
// connection is served by its own goroutine dispatching streams through the
// registry.
type Transport struct {
	config   Config
	self     ed25519.PublicKey
	tlsConf  *tls.Config
	listener *quic.Listener

	mu    sync.RWMutex
	conns map[string]*protocol.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewTransport(config Config) (*Transport, error) {
	if config.Registry == nil {
		return nil, fmt.Errorf("stream registry required")
	}
	if config.CertValidity <= 0 {
		config.CertValidity = defaultCertValidity
	}
	self, ok := config.PrivateKey.Public().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid network key")
	}
	tlsCert, err := cert.Generate(config.PrivateKey, config.CertValidity)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		config:  config,
		self:    self,
		tlsConf: cert.TLSConfig(tlsCert, []string{protocol.ProtocolID(config.Network)}),
		conns:   make(map[string]*protocol.Conn),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func quicConfig() *quic.Config {
	return &quic.Config{MaxIdleTimeout: MaxIdleTimeout, KeepAlivePeriod: MaxIdleTimeout / 3}
}

// Start opens the listener and begins accepting connections.
func (t *Transport) Start() error {
	listener, err := quic.ListenAddr(t.config.ListenAddr, t.tlsConf, quicConfig())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrListenerFailed, err)
	}
	t.listener = listener

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.acceptLoop()
	}()
	return nil
}

// Addr is the bound listen address, or nil before Start.
func (t *Transport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Stop closes every connection and the listener, then waits for all
// connection goroutines to exit.
func (t *Transport) Stop() error {
	t.cancel()

	t.mu.Lock()
	for key, conn := range t.conns {
		if err := conn.Close(); err != nil {
			log.Network.Debug().Err(err).Msg("failed to close connection")
		}
		delete(t.conns, key)
	}
	t.mu.Unlock()

	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.wg.Wait()
	return err
}

// Connect dials addr and starts serving the resulting connection.
func (t *Transport) Connect(ctx context.Context, addr string) (*protocol.Conn, error) {
	if t.listener == nil {
		return nil, ErrNotStarted
	}
	qConn, err := quic.DialAddr(ctx, addr, t.tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	return t.handleConnection(qConn)
}

// Peers returns the currently connected peers.
func (t *Transport) Peers() []*protocol.Conn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	conns := make([]*protocol.Conn, 0, len(t.conns))
	for _, conn := range t.conns {
		conns = append(conns, conn)
	}
	return conns
}

func (t *Transport) acceptLoop() {
	for {
		qConn, err := t.listener.Accept(t.ctx)
		if err != nil {
			if t.ctx.Err() == nil {
				log.Network.Warn().Err(err).Msg("failed to accept connection")
			}
			return
		}
		if _, err := t.handleConnection(qConn); err != nil {
			log.Network.Debug().Err(err).Msg("rejected inbound connection")
		}
	}
}

func (t *Transport) handleConnection(qConn quic.Connection) (*protocol.Conn, error) {
	state := qConn.ConnectionState().TLS
	if err := protocol.ValidateProtocol(state.NegotiatedProtocol, t.config.Network); err != nil {
		_ = qConn.CloseWithError(0, err.Error())
		return nil, err
	}
	if len(state.PeerCertificates) == 0 {
		_ = qConn.CloseWithError(0, cert.ErrInvalidCertificate.Error())
		return nil, cert.ErrInvalidCertificate
	}
	peerKey, err := cert.PeerKey(state.PeerCertificates[0])
	if err != nil {
		_ = qConn.CloseWithError(0, err.Error())
		return nil, err
	}
	if peerKey.Equal(t.self) {
		_ = qConn.CloseWithError(0, ErrSelfConnection.Error())
		return nil, ErrSelfConnection
	}

	conn := protocol.NewConn(qConn, peerKey, t.config.Registry)
	t.mu.Lock()
	if existing, ok := t.conns[string(peerKey)]; ok {
		log.Network.Debug().Msg("replacing existing connection")
		_ = existing.Close()
	}
	t.conns[string(peerKey)] = conn
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := conn.Serve(t.ctx); err != nil && t.ctx.Err() == nil {
			log.Network.Debug().Err(err).Msg("connection closed")
		}
		t.remove(peerKey, conn)
	}()
	return conn, nil
}

// remove drops conn unless it has already been replaced.
func (t *Transport) remove(peerKey ed25519.PublicKey, conn *protocol.Conn) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conns[string(peerKey)] == conn {
		delete(t.conns, string(peerKey))
	}
}
