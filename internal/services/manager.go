// Package services wires the engine together: backend, lock, store, sync
// gateway, and optionally a peer session on the NATS bus. It owns component
// lifecycle; it contains no engine logic.
package services

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/peerkeep/peerkeep/internal/clock"
	"github.com/peerkeep/peerkeep/internal/config"
	"github.com/peerkeep/peerkeep/internal/lock"
	"github.com/peerkeep/peerkeep/internal/peer"
	"github.com/peerkeep/peerkeep/internal/peer/natstransport"
	"github.com/peerkeep/peerkeep/internal/storage"
	"github.com/peerkeep/peerkeep/internal/storage/memory"
	"github.com/peerkeep/peerkeep/internal/storage/migrate"
	"github.com/peerkeep/peerkeep/internal/storage/sqlite"
	syncengine "github.com/peerkeep/peerkeep/internal/sync"
)

type Options struct {
	// InMemory swaps the durable backend for the in-memory one. Implies the
	// ephemeral gate stays off but nothing persists.
	InMemory bool

	// JoinSync connects to the NATS bus and starts a peer session.
	JoinSync bool

	// Ephemeral sets the read-only gate at startup (detected private mode).
	Ephemeral bool
}

type Manager struct {
	cfg  *config.Config
	log  zerolog.Logger
	opts Options

	backend  storage.Backend
	store    *storage.Store
	gateway  *syncengine.Gateway
	session  *peer.Session
	natsConn *nats.Conn

	cancel context.CancelFunc
}

func NewManager(cfg *config.Config, log zerolog.Logger, opts Options) *Manager {
	return &Manager{cfg: cfg, log: log, opts: opts}
}

func (m *Manager) Store() *storage.Store        { return m.store }
func (m *Manager) Gateway() *syncengine.Gateway { return m.gateway }
func (m *Manager) Session() *peer.Session       { return m.session }

// Init constructs and starts the configured components.
func (m *Manager) Init(ctx context.Context) error {
	clk := clock.System{}

	if m.opts.InMemory {
		m.backend = memory.New()
	} else {
		backend, err := sqlite.Open(ctx, filepath.Join(m.cfg.Storage.DataDir, "peerkeep.db"))
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		m.backend = backend
	}

	var lk lock.Lock
	if m.opts.InMemory {
		lk = lock.NewProcess(m.log)
	} else {
		lk = lock.NewFlock(filepath.Join(m.cfg.Storage.DataDir, "engine.lock"), m.log)
	}

	m.store = storage.New(m.backend, lk, clk, m.log, storage.Options{
		LockTimeout:    m.cfg.LockTimeout(),
		QuotaSoftLimit: m.cfg.Storage.QuotaSoftLimitBytes,
		Upgrade:        migrate.Upgrade,
	})
	m.store.SetEphemeral(m.opts.Ephemeral)

	m.gateway = syncengine.NewGateway(m.store, clk, m.log, syncengine.Options{
		Skew: m.cfg.SkewTolerance(),
	})

	if !m.opts.JoinSync {
		return nil
	}

	nodeId := m.cfg.Node.ID
	if nodeId == "" {
		nodeId = clock.NewID()
	}
	nc, err := nats.Connect(m.cfg.Sync.NatsURL, nats.Name("peerkeep-"+nodeId))
	if err != nil {
		return fmt.Errorf("connect sync bus: %w", err)
	}
	m.natsConn = nc

	transport, err := natstransport.New(nc, nodeId)
	if err != nil {
		nc.Close()
		return fmt.Errorf("join sync bus: %w", err)
	}

	m.session = peer.NewSession(transport, m.gateway, clk, m.log, peer.Options{
		NodeID:      nodeId,
		DisplayName: m.cfg.Node.DisplayName,
		DriftBound:  m.cfg.DriftBound(),
		Ephemeral:   m.store.Ephemeral,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.session.Run(runCtx)
	go m.gateway.RunPushLoop(runCtx, m.session)

	return nil
}

// Shutdown tears everything down in reverse order.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.cancel != nil {
		m.cancel()
	}
	if m.session != nil {
		m.session.Disconnect()
	}
	if m.natsConn != nil {
		m.natsConn.Close()
	}
	if m.backend != nil {
		if err := m.backend.Close(ctx); err != nil {
			return fmt.Errorf("close storage: %w", err)
		}
	}
	return nil
}
