// Package extension manages the set of listener pairs the service answers
// on. Each building extension gets two TCP listeners: the visitor leg on the
// IA port and the resident-return leg on the return port. The set is loaded
// from the directory database at startup (with a local snapshot as
// fallback), changed at runtime through directory change notifications, and
// reconcilable on demand via Refresh.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tecvoz/porteiro/internal/directory"
	"github.com/tecvoz/porteiro/internal/session"
)

const (
	// portScanRange is how many ports forward of the configured one are
	// probed when the configured port is taken.
	portScanRange = 100

	// connReadBuffer is the kernel receive buffer requested for accepted
	// audio connections.
	connReadBuffer = 1 << 20
)

// ErrNotFound is returned when restarting an unknown extension.
var ErrNotFound = errors.New("extension: not found")

// HandlerFunc runs one accepted connection to completion. ctx is the
// manager's base context, deliberately NOT the listener's: stopping a pair
// must not tear down conversations already in flight on it.
type HandlerFunc func(ctx context.Context, conn net.Conn, role session.Role, ext directory.Extension, port int)

// PairInfo describes one running listener pair for the management API.
type PairInfo struct {
	Extension directory.Extension `json:"extension"`
	IaPort    int                 `json:"ia_port"`
	RetPort   int                 `json:"return_port"`
}

// pair holds one extension's running listeners.
type pair struct {
	ext     directory.Extension
	ia      net.Listener
	ret     net.Listener
	iaPort  int
	retPort int
	cancel  context.CancelFunc
}

// Manager owns the listener pairs. All methods are safe for concurrent use.
type Manager struct {
	store    directory.Store
	dataDir  string
	handler  HandlerFunc
	baseCtx  context.Context

	mu    sync.Mutex
	pairs map[int]*pair
}

// NewManager creates a Manager. handler is invoked on its own goroutine for
// every accepted connection.
func NewManager(ctx context.Context, store directory.Store, dataDir string, handler HandlerFunc) *Manager {
	return &Manager{
		store:   store,
		dataDir: dataDir,
		handler: handler,
		baseCtx: ctx,
		pairs:   make(map[int]*pair),
	}
}

// defaultExtensions is the compatibility fallback when neither the database
// nor the snapshot is available.
func defaultExtensions() []directory.Extension {
	return []directory.Extension{{
		ID:           0,
		IaNumber:     "1000",
		ReturnNumber: "1001",
		BindIP:       "0.0.0.0",
		IaPort:       8080,
		ReturnPort:   8081,
	}}
}

// Start loads the extension set and binds every pair in parallel. Individual
// pair failures are logged and skipped; Start only fails when no pair could
// be bound at all.
func (m *Manager) Start(ctx context.Context) error {
	exts := m.loadConfiguration(ctx)

	var g errgroup.Group
	for _, ext := range exts {
		g.Go(func() error {
			if err := m.StartPair(ext); err != nil {
				slog.Error("extension failed to start", "extension", ext.IaNumber, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	m.mu.Lock()
	started := len(m.pairs)
	m.mu.Unlock()
	slog.Info("extension startup complete", "started", started, "configured", len(exts))
	if started == 0 && len(exts) > 0 {
		return fmt.Errorf("extension: no listener pair could be bound")
	}
	return nil
}

// loadConfiguration prefers the database, mirrors successes to the local
// snapshot, falls back to the snapshot, and finally to the default pair.
func (m *Manager) loadConfiguration(ctx context.Context) []directory.Extension {
	exts, err := m.store.ActiveExtensions(ctx)
	if err == nil && len(exts) > 0 {
		if err := SaveSnapshot(m.dataDir, exts); err != nil {
			slog.Warn("snapshot mirror failed", "err", err)
		}
		return exts
	}
	if err != nil {
		slog.Warn("directory unavailable, trying local snapshot", "err", err)
	}

	if exts, err := LoadSnapshot(m.dataDir); err == nil && len(exts) > 0 {
		slog.Info("extensions loaded from snapshot", "count", len(exts))
		return exts
	}

	slog.Warn("no extension configuration found, using default pair")
	return defaultExtensions()
}

// StartPair binds the two listeners for ext and launches their accept
// loops. Port conflicts are resolved by scanning forward up to 100 ports;
// substitutions are recorded in the pair info.
func (m *Manager) StartPair(ext directory.Extension) error {
	m.mu.Lock()
	if _, exists := m.pairs[ext.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("extension: pair %d already running", ext.ID)
	}
	m.mu.Unlock()

	bindIP := ext.BindIP
	if bindIP == "" {
		bindIP = "0.0.0.0"
	}

	iaLis, iaPort, err := listenWithScan(bindIP, ext.IaPort)
	if err != nil {
		return fmt.Errorf("extension %s: bind ia port: %w", ext.IaNumber, err)
	}
	retLis, retPort, err := listenWithScan(bindIP, ext.ReturnPort)
	if err != nil {
		iaLis.Close()
		return fmt.Errorf("extension %s: bind return port: %w", ext.IaNumber, err)
	}

	if iaPort != ext.IaPort || retPort != ext.ReturnPort {
		slog.Warn("port substitution applied",
			"extension", ext.IaNumber,
			"ia_configured", ext.IaPort, "ia_actual", iaPort,
			"return_configured", ext.ReturnPort, "return_actual", retPort)
	}

	acceptCtx, cancel := context.WithCancel(m.baseCtx)
	p := &pair{ext: ext, ia: iaLis, ret: retLis, iaPort: iaPort, retPort: retPort, cancel: cancel}

	m.mu.Lock()
	m.pairs[ext.ID] = p
	m.mu.Unlock()

	go m.acceptLoop(acceptCtx, iaLis, session.RoleVisitor, ext, iaPort)
	go m.acceptLoop(acceptCtx, retLis, session.RoleResident, ext, retPort)

	slog.Info("extension listener pair started",
		"extension", ext.IaNumber, "bind_ip", bindIP,
		"ia_port", iaPort, "return_port", retPort)
	return nil
}

// listenWithScan binds ip:port, scanning forward for a free slot when the
// configured port is taken.
func listenWithScan(ip string, port int) (net.Listener, int, error) {
	var lastErr error
	for candidate := port; candidate < port+portScanRange; candidate++ {
		lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", ip, candidate))
		if err == nil {
			return lis, candidate, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in [%d, %d): %w", port, port+portScanRange, lastErr)
}

// acceptLoop accepts connections until the listener closes. Accepted
// connections get a large kernel read buffer and are handed to the handler
// under the manager's base context, so sessions outlive their listener.
func (m *Manager) acceptLoop(ctx context.Context, lis net.Listener, role session.Role, ext directory.Extension, port int) {
	for {
		conn, err := lis.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "extension", ext.IaNumber, "role", role, "err", err)
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			if err := tcp.SetReadBuffer(connReadBuffer); err != nil {
				slog.Debug("read buffer resize failed", "err", err)
			}
			_ = tcp.SetNoDelay(true)
		}
		go m.handler(m.baseCtx, conn, role, ext, port)
	}
}

// StopPair closes the listeners of extension id. Conversations already in
// flight on the pair run to completion.
func (m *Manager) StopPair(id int) error {
	m.mu.Lock()
	p, ok := m.pairs[id]
	delete(m.pairs, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}

	p.cancel()
	_ = p.ia.Close()
	_ = p.ret.Close()
	slog.Info("extension listener pair stopped", "extension", p.ext.IaNumber)
	return nil
}

// Restart stops and re-binds one pair, addressed by extension id.
func (m *Manager) Restart(id int) error {
	m.mu.Lock()
	p, ok := m.pairs[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	ext := p.ext
	if err := m.StopPair(id); err != nil {
		return err
	}
	return m.StartPair(ext)
}

// RestartByRamal restarts the pair whose IA extension number matches ramal.
func (m *Manager) RestartByRamal(ramal string) error {
	m.mu.Lock()
	var id int
	found := false
	for _, p := range m.pairs {
		if p.ext.IaNumber == ramal {
			id = p.ext.ID
			found = true
			break
		}
	}
	m.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: ramal %q", ErrNotFound, ramal)
	}
	return m.Restart(id)
}

// HandleEvents applies directory change notifications until the channel
// closes or ctx is cancelled. Every applied change is mirrored to the local
// snapshot.
func (m *Manager) HandleEvents(ctx context.Context, events <-chan directory.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.applyEvent(ev)
		}
	}
}

func (m *Manager) applyEvent(ev directory.ChangeEvent) {
	slog.Info("directory change received", "action", ev.Action, "extension_id", ev.Data.ID)

	switch ev.Action {
	case directory.ActionInsert:
		if err := m.StartPair(ev.Data); err != nil {
			slog.Error("insert: pair start failed", "extension_id", ev.Data.ID, "err", err)
			return
		}

	case directory.ActionUpdate:
		// Stop-and-restart with the new config; an unknown id is treated as
		// an insert.
		if err := m.StopPair(ev.Data.ID); err != nil && !errors.Is(err, ErrNotFound) {
			slog.Error("update: pair stop failed", "extension_id", ev.Data.ID, "err", err)
			return
		}
		if err := m.StartPair(ev.Data); err != nil {
			slog.Error("update: pair start failed", "extension_id", ev.Data.ID, "err", err)
			return
		}

	case directory.ActionDelete:
		if err := m.StopPair(ev.Data.ID); err != nil {
			slog.Warn("delete: pair not running", "extension_id", ev.Data.ID)
			return
		}

	default:
		slog.Warn("unknown directory action", "action", ev.Action)
		return
	}

	m.mirrorSnapshot()
}

func (m *Manager) mirrorSnapshot() {
	m.mu.Lock()
	exts := make([]directory.Extension, 0, len(m.pairs))
	for _, p := range m.pairs {
		exts = append(exts, p.ext)
	}
	m.mu.Unlock()
	if err := SaveSnapshot(m.dataDir, exts); err != nil {
		slog.Warn("snapshot mirror failed", "err", err)
	}
}

// Refresh reconciles the running set against the current directory
// contents, returning how many pairs were added, updated, and removed.
func (m *Manager) Refresh(ctx context.Context) (added, updated, removed int, err error) {
	exts, err := m.store.ActiveExtensions(ctx)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("extension: refresh: %w", err)
	}

	wanted := make(map[int]directory.Extension, len(exts))
	for _, ext := range exts {
		wanted[ext.ID] = ext
	}

	m.mu.Lock()
	running := make(map[int]directory.Extension, len(m.pairs))
	for id, p := range m.pairs {
		running[id] = p.ext
	}
	m.mu.Unlock()

	for id, ext := range wanted {
		cur, ok := running[id]
		switch {
		case !ok:
			if err := m.StartPair(ext); err != nil {
				slog.Error("refresh: pair start failed", "extension_id", id, "err", err)
				continue
			}
			added++
		case cur != ext:
			if err := m.StopPair(id); err != nil {
				slog.Error("refresh: pair stop failed", "extension_id", id, "err", err)
				continue
			}
			if err := m.StartPair(ext); err != nil {
				slog.Error("refresh: pair restart failed", "extension_id", id, "err", err)
				continue
			}
			updated++
		}
	}
	for id := range running {
		if _, ok := wanted[id]; !ok {
			if err := m.StopPair(id); err == nil {
				removed++
			}
		}
	}

	if err := SaveSnapshot(m.dataDir, exts); err != nil {
		slog.Warn("snapshot mirror failed", "err", err)
	}
	slog.Info("extensions refreshed", "added", added, "updated", updated, "removed", removed)
	return added, updated, removed, nil
}

// Pairs lists the running listener pairs.
func (m *Manager) Pairs() []PairInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PairInfo, 0, len(m.pairs))
	for _, p := range m.pairs {
		out = append(out, PairInfo{Extension: p.ext, IaPort: p.iaPort, RetPort: p.retPort})
	}
	return out
}

// Shutdown stops every pair.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.pairs))
	for id := range m.pairs {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.StopPair(id)
	}
}
