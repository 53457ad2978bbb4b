package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/eigerco/approval-voting/internal/api"
	"github.com/eigerco/approval-voting/internal/approval"
	"github.com/eigerco/approval-voting/internal/assignment"
	"github.com/eigerco/approval-voting/internal/chain"
	"github.com/eigerco/approval-voting/internal/config"
	"github.com/eigerco/approval-voting/internal/crypto"
	"github.com/eigerco/approval-voting/internal/crypto/ed25519"
	"github.com/eigerco/approval-voting/internal/keystore"
	"github.com/eigerco/approval-voting/internal/message"
	"github.com/eigerco/approval-voting/internal/metrics"
	"github.com/eigerco/approval-voting/internal/session"
	"github.com/eigerco/approval-voting/internal/store"
	"github.com/eigerco/approval-voting/internal/subsystem"
	"github.com/eigerco/approval-voting/internal/tick"
	"github.com/eigerco/approval-voting/pkg/db"
	"github.com/eigerco/approval-voting/pkg/db/leveldb"
	"github.com/eigerco/approval-voting/pkg/db/pebble"
	"github.com/eigerco/approval-voting/pkg/log"
	"github.com/eigerco/approval-voting/pkg/network/handlers"
	"github.com/eigerco/approval-voting/pkg/network/protocol"
	"github.com/eigerco/approval-voting/pkg/network/transport"
)

const (
	inboundBuffer  = 256
	followerBuffer = 64
	shutdownGrace  = 5 * time.Second
)

func run(ctx context.Context, v *viper.Viper, configFile, envFile string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}
	if err := initLogging(cfg); err != nil {
		return err
	}

	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Store.Error().Err(err).Msg("failed to close database")
		}
	}()

	ks, err := loadKeys(cfg)
	if err != nil {
		return err
	}
	validator := session.ValidatorIndex(cfg.Validator.Index)
	networkKey, err := ks.PrivateKey(validator)
	if errors.Is(err, keystore.ErrKeyUnavailable) {
		log.Root.Warn().Uint32("validator", cfg.Validator.Index).Msg("no validator key, running as observer with an ephemeral network key")
		_, networkKey, err = ed25519.GenerateKey(rand.Reader)
	}
	if err != nil {
		return err
	}

	assignments := make(chan message.Inbound, inboundBuffer)
	approvals := make(chan message.Inbound, inboundBuffer)
	registry := protocol.NewRegistry()
	registry.RegisterHandler(protocol.StreamKindAssignmentDist, handlers.NewAssignmentHandler(assignments))
	registry.RegisterHandler(protocol.StreamKindApprovalDist, handlers.NewApprovalHandler(approvals))

	tr, err := transport.NewTransport(transport.Config{
		PrivateKey: networkKey,
		ListenAddr: cfg.Network.ListenAddr,
		Network:    cfg.Network.Name,
		Registry:   registry,
	})
	if err != nil {
		return err
	}
	if err := tr.Start(); err != nil {
		return err
	}
	defer func() {
		if err := tr.Stop(); err != nil {
			log.Network.Warn().Err(err).Msg("failed to stop transport")
		}
	}()
	log.Network.Info().Stringer("addr", tr.Addr()).Str("network", cfg.Network.Name).Msg("listening")

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promRegistry)
	if err != nil {
		return err
	}

	follower := chain.NewFollower(followerBuffer)
	sessions := chain.NewSessionRegistry()
	sub, err := subsystem.New(subsystem.Config{
		Validator:              validator,
		PipelineCapacity:       cfg.Pipeline.Capacity,
		InconsistencyCacheSize: cfg.Inconsistency.CacheSize,
		InconsistencyWarnAfter: cfg.Inconsistency.WarnAfter,
	}, subsystem.Deps{
		Clock:     tick.SystemClock{},
		Criteria:  assignment.NewSignatureCriteria(tick.Tick(cfg.Assignment.TrancheTicks)),
		Signer:    ks,
		Sessions:  sessions,
		Checker:   subsystem.CheckerFunc(acceptCandidate),
		Outbound:  handlers.NewBroadcaster(tr),
		Snapshots: store.NewSnapshots(kv),
		Metrics:   m,
	})
	if err != nil {
		return err
	}
	if err := sub.Load(); err != nil {
		return fmt.Errorf("restore approval state: %w", err)
	}

	router := mux.NewRouter()
	api.RegisterRoutes(router, &api.Handler{Chain: follower, Sessions: sessions, Approvals: sub}, promRegistry)
	srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	inbound := make(chan message.Inbound, inboundBuffer)
	g.Go(func() error {
		return protocol.NewMultiplexer(assignments, approvals).Run(ctx, inbound)
	})
	g.Go(func() error {
		return sub.Run(ctx, follower.Updates(), inbound)
	})
	g.Go(func() error {
		log.Root.Info().Str("addr", srv.Addr).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	for _, addr := range cfg.Network.Peers {
		g.Go(func() error {
			dialPeer(ctx, tr, addr)
			return nil
		})
	}

	err = g.Wait()
	log.Root.Info().Msg("shutting down")
	return err
}

func initLogging(cfg config.Config) error {
	level, err := log.ParseLogLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	typ, err := log.ParseLoggerType(cfg.Log.Type)
	if err != nil {
		return err
	}
	log.Init(log.Options{LogLevel: level, Type: typ, Output: os.Stdout})
	return nil
}

func openStore(cfg config.Config) (db.KVStore, error) {
	switch cfg.DB.Engine {
	case config.EnginePebble:
		return pebble.NewKVStore(cfg.DB.Path)
	case config.EngineLevelDB:
		return leveldb.NewKVStore(cfg.DB.Path)
	case config.EngineMemory:
		return pebble.NewMemKVStore()
	default:
		return nil, fmt.Errorf("%w: unknown db.engine %q", config.ErrInvalidConfig, cfg.DB.Engine)
	}
}

func loadKeys(cfg config.Config) (*keystore.Keystore, error) {
	if cfg.Validator.KeysFile == "" {
		return keystore.New(), nil
	}
	return keystore.LoadFile(cfg.Validator.KeysFile)
}

// dialPeer retries until the peer is connected or ctx is done.
func dialPeer(ctx context.Context, tr *transport.Transport, addr string) {
	backoff := time.Second
	for {
		conn, err := tr.Connect(ctx, addr)
		if err == nil {
			log.Network.Info().Str("addr", addr).Hex("peer", conn.PeerKey()).Msg("connected to peer")
			return
		}
		log.Network.Debug().Err(err).Str("addr", addr).Dur("retry_in", backoff).Msg("failed to dial peer")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 30*time.Second)
	}
}

// acceptCandidate stands in for candidate validation, which runs outside
// this node.
func acceptCandidate(_ context.Context, key approval.CandidateKey, candidate crypto.Hash) (bool, error) {
	log.Approval.Debug().Stringer("candidate", key).Stringer("hash", candidate).Msg("candidate accepted")
	return true, nil
}
