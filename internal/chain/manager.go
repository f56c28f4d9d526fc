package chain

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	xerrors "XCMFlow/internal/errors"
	"XCMFlow/pkg/logger"
)

// Status of a managed chain connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusSyncing      Status = "syncing"
)

// Connection is the manager's view of one chain endpoint.
type Connection struct {
	ChainID     string
	Status      Status
	LastBlock   uint64
	ConnectedAt time.Time
	client      Client
}

// Client exposes the live RPC client, nil while disconnected.
func (c *Connection) Client() Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Listener receives connection lifecycle signals. The signal set is fixed:
// a chain either came up or went down, nothing else.
type Listener interface {
	ChainConnected(chainID string)
	ChainDisconnected(chainID string, cause error)
}

// DialFunc lets tests substitute the RPC dialer.
type DialFunc func(ctx context.Context, chainID string, def Definition) (Client, error)

// Manager owns one live connection per configured chain. A failure on one
// chain degrades that chain only; every method stays usable for the rest.
type Manager struct {
	defs Definitions
	dial DialFunc
	log  *slog.Logger

	mu        sync.RWMutex
	conns     map[string]*Connection
	listeners []Listener
}

// NewManager builds a manager for the given topology.
func NewManager(defs Definitions, opts ...ManagerOption) *Manager {
	m := &Manager{
		defs:  defs,
		dial:  Dial,
		log:   logger.Named("chain.manager"),
		conns: make(map[string]*Connection, len(defs.Chains)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// ManagerOption customizes a Manager.
type ManagerOption func(*Manager)

// WithDialFunc overrides how chain clients are constructed.
func WithDialFunc(dial DialFunc) ManagerOption {
	return func(m *Manager) {
		if dial != nil {
			m.dial = dial
		}
	}
}

// AddListener registers a lifecycle listener. Must be called before Connect.
func (m *Manager) AddListener(l Listener) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Definitions returns the topology the manager was built from.
func (m *Manager) Definitions() Definitions { return m.defs }

// Connect establishes the connection for one chain. Reconnecting an already
// connected chain is a no-op.
func (m *Manager) Connect(ctx context.Context, chainID string) error {
	def, ok := m.defs.Chains[chainID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "unknown chain "+chainID)
	}

	m.mu.Lock()
	if conn, ok := m.conns[chainID]; ok && conn.Status == StatusConnected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	client, err := m.dial(ctx, chainID, def)
	if err != nil {
		m.setDisconnected(chainID, err)
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "connect chain "+chainID,
			xerrors.WithMetadata("chain_id", chainID))
	}

	header, err := client.Header(ctx)
	if err != nil {
		client.Close()
		m.setDisconnected(chainID, err)
		return xerrors.Wrap(xerrors.CodeConnectionFailure, err, "probe chain "+chainID,
			xerrors.WithMetadata("chain_id", chainID))
	}

	m.mu.Lock()
	m.conns[chainID] = &Connection{
		ChainID:     chainID,
		Status:      StatusConnected,
		LastBlock:   header.Number,
		ConnectedAt: time.Now(),
		client:      client,
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	m.log.Info("chain connected",
		slog.String("chain_id", chainID),
		slog.Uint64("block", header.Number),
	)
	for _, l := range listeners {
		l.ChainConnected(chainID)
	}
	return nil
}

// ConnectAll dials every configured chain, degrading per chain on failure.
func (m *Manager) ConnectAll(ctx context.Context) {
	for _, chainID := range m.defs.Names() {
		if err := m.Connect(ctx, chainID); err != nil {
			m.log.Warn("chain connection failed",
				slog.String("chain_id", chainID),
				slog.Any("error", err),
			)
		}
	}
}

// Connection returns the live connection for a chain, or nil.
func (m *Manager) Connection(chainID string) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[chainID]
	if !ok || conn.Status != StatusConnected {
		return nil
	}
	clone := *conn
	return &clone
}

// ClientFor returns the RPC client for a connected chain.
func (m *Manager) ClientFor(chainID string) (Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[chainID]
	if !ok || conn.Status != StatusConnected || conn.client == nil {
		return nil, xerrors.New(xerrors.CodeConnectionFailure, "no live connection for chain "+chainID,
			xerrors.WithMetadata("chain_id", chainID))
	}
	return conn.client, nil
}

// IsConnected reports whether a chain currently has a live connection.
func (m *Manager) IsConnected(chainID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[chainID]
	return ok && conn.Status == StatusConnected
}

// ConnectedChains lists the chains with live connections, sorted.
func (m *Manager) ConnectedChains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chains := make([]string, 0, len(m.conns))
	for chainID, conn := range m.conns {
		if conn.Status == StatusConnected {
			chains = append(chains, chainID)
		}
	}
	sort.Strings(chains)
	return chains
}

// HealthStatus reports per-chain liveness for every configured chain.
func (m *Manager) HealthStatus() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	health := make(map[string]bool, len(m.defs.Chains))
	for chainID := range m.defs.Chains {
		conn, ok := m.conns[chainID]
		health[chainID] = ok && conn.Status == StatusConnected
	}
	return health
}

// RecordHeight updates the last observed block height for a chain.
func (m *Manager) RecordHeight(chainID string, height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[chainID]; ok && height > conn.LastBlock {
		conn.LastBlock = height
	}
}

// MarkDisconnected downgrades a chain after an observed drop.
func (m *Manager) MarkDisconnected(chainID string, cause error) {
	m.setDisconnected(chainID, cause)
}

// Restart tears down and re-establishes one chain connection.
func (m *Manager) Restart(ctx context.Context, chainID string) error {
	m.disconnect(chainID, nil)
	return m.Connect(ctx, chainID)
}

// DisconnectAll closes every connection. Used during shutdown.
func (m *Manager) DisconnectAll() {
	m.mu.RLock()
	chains := make([]string, 0, len(m.conns))
	for chainID := range m.conns {
		chains = append(chains, chainID)
	}
	m.mu.RUnlock()
	for _, chainID := range chains {
		m.disconnect(chainID, nil)
	}
}

func (m *Manager) disconnect(chainID string, cause error) {
	m.mu.Lock()
	conn, ok := m.conns[chainID]
	if !ok || conn.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	client := conn.client
	conn.client = nil
	conn.Status = StatusDisconnected
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	m.log.Info("chain disconnected", slog.String("chain_id", chainID))
	for _, l := range listeners {
		l.ChainDisconnected(chainID, cause)
	}
}

func (m *Manager) setDisconnected(chainID string, cause error) {
	m.mu.Lock()
	conn, ok := m.conns[chainID]
	wasConnected := ok && conn.Status == StatusConnected
	var client Client
	if ok {
		client = conn.client
		conn.client = nil
		conn.Status = StatusDisconnected
	} else {
		m.conns[chainID] = &Connection{ChainID: chainID, Status: StatusDisconnected}
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()

	if client != nil {
		client.Close()
	}
	if wasConnected {
		for _, l := range listeners {
			l.ChainDisconnected(chainID, cause)
		}
	}
}
