// Package resource enforces the service's concurrency and pacing budgets:
// semaphores around the transcription and synthesis capabilities, adaptive
// audio pacing under load, and the weak connection registry used for
// targeted hangups from the management API.
package resource

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"golang.org/x/sync/semaphore"
)

// Throttle thresholds: pacing widens only when both are exceeded.
const (
	throttleSessionFloor = 3
	throttleCPUPercent   = 85.0
	throttleFactor       = 1.5

	// sampleInterval is how often the throttle predicate is re-evaluated.
	// Evaluation is sampled, never per-frame.
	sampleInterval = 5 * time.Second
)

// Limits caps the concurrent uses of each external audio capability.
type Limits struct {
	Transcriptions int
	Synthesis      int
}

// DetectLimits sizes the capability semaphores from the host hardware:
// ≥4 cores and ≥8 GiB get min(cores−1, 6) with a floor of 3; ≥2 cores and
// ≥4 GiB get 2; anything smaller runs serialized.
func DetectLimits() Limits {
	cores, err := cpu.Counts(false)
	if err != nil || cores <= 0 {
		cores = 2
	}
	var memGiB float64 = 4
	if vm, err := mem.VirtualMemory(); err == nil {
		memGiB = float64(vm.Total) / (1 << 30)
	}

	var n int
	switch {
	case cores >= 4 && memGiB >= 8:
		n = min(cores-1, 6)
		if n < 3 {
			n = 3
		}
	case cores >= 2 && memGiB >= 4:
		n = 2
	default:
		n = 1
	}
	slog.Info("capability limits sized from hardware",
		"cores", cores, "mem_gib", fmt.Sprintf("%.1f", memGiB), "limit", n)
	return Limits{Transcriptions: n, Synthesis: n}
}

// ConnEntry is a weak reference to one leg's connection, held only for
// targeted hangup and status reporting. The leg handler remains the owner;
// entries must not be used after the handler unregisters them.
type ConnEntry struct {
	Writer       io.Writer
	Closer       io.Closer
	RegisteredAt time.Time
	Port         int
}

// callStats accumulates the per-call capability counters surfaced in the
// session-end log line.
type callStats struct {
	startedAt          time.Time
	transcriptions     int
	transcriptionTime  time.Duration
	syntheses          int
	synthesisTime      time.Duration
}

// Manager tracks active sessions, arbitrates the capability semaphores, and
// evaluates the audio throttle. All methods are safe for concurrent use.
type Manager struct {
	transcription *semaphore.Weighted
	synthesis     *semaphore.Weighted
	baseDelay     atomic.Int64 // nanoseconds

	mu       sync.Mutex
	sessions map[string]*callStats
	conns    map[string]map[string]ConnEntry // callID → role → entry

	throttled atomic.Bool

	// cpuPercent is overridable in tests.
	cpuPercent func() float64
}

// NewManager creates a Manager with the given capability limits and base
// inter-frame transmission delay.
func NewManager(limits Limits, baseDelay time.Duration) *Manager {
	if limits.Transcriptions <= 0 {
		limits.Transcriptions = 1
	}
	if limits.Synthesis <= 0 {
		limits.Synthesis = 1
	}
	m := &Manager{
		transcription: semaphore.NewWeighted(int64(limits.Transcriptions)),
		synthesis:     semaphore.NewWeighted(int64(limits.Synthesis)),
		sessions:      make(map[string]*callStats),
		conns:         make(map[string]map[string]ConnEntry),
		cpuPercent:    sampleCPU,
	}
	m.baseDelay.Store(int64(baseDelay))
	return m
}

// Run re-evaluates the throttle until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluateThrottle()
		}
	}
}

func (m *Manager) evaluateThrottle() {
	active := m.ActiveSessions()
	pct := m.cpuPercent()
	next := active > throttleSessionFloor && pct > throttleCPUPercent
	if m.throttled.Swap(next) != next {
		slog.Info("audio throttle changed",
			"throttled", next, "active_sessions", active, "cpu_percent", fmt.Sprintf("%.1f", pct))
	}
}

func sampleCPU() float64 {
	pcts, err := cpu.Percent(0, false)
	if err != nil || len(pcts) == 0 {
		return 0
	}
	return pcts[0]
}

// SetBaseDelay updates the configured inter-frame delay (hot reload).
func (m *Manager) SetBaseDelay(d time.Duration) {
	m.baseDelay.Store(int64(d))
}

// TransmissionDelay returns the effective inter-frame pacing delay,
// widened by ×1.5 while the throttle is engaged.
func (m *Manager) TransmissionDelay() time.Duration {
	d := time.Duration(m.baseDelay.Load())
	if m.throttled.Load() {
		d = time.Duration(float64(d) * throttleFactor)
	}
	return d
}

// Throttled reports the current throttle state.
func (m *Manager) Throttled() bool {
	return m.throttled.Load()
}

// RegisterSession adds a call to the active set.
func (m *Manager) RegisterSession(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[callID]; !ok {
		m.sessions[callID] = &callStats{startedAt: time.Now()}
	}
}

// UnregisterSession removes a call from the active set, logging its
// capability usage.
func (m *Manager) UnregisterSession(callID string) {
	m.mu.Lock()
	st, ok := m.sessions[callID]
	delete(m.sessions, callID)
	delete(m.conns, callID)
	m.mu.Unlock()
	if !ok {
		return
	}
	slog.Info("session resources released",
		"call_id", callID,
		"duration", time.Since(st.startedAt).Round(time.Millisecond),
		"transcriptions", st.transcriptions,
		"transcription_time", st.transcriptionTime.Round(time.Millisecond),
		"syntheses", st.syntheses,
		"synthesis_time", st.synthesisTime.Round(time.Millisecond),
	)
}

// ActiveSessions returns the size of the active set.
func (m *Manager) ActiveSessions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// AcquireTranscription takes a transcription slot, blocking until one is
// free or ctx is cancelled. The returned release function is safe to call
// exactly once on every exit path.
func (m *Manager) AcquireTranscription(ctx context.Context, callID string) (func(time.Duration), error) {
	if err := m.transcription.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("resource: acquire transcription slot: %w", err)
	}
	return func(took time.Duration) {
		m.transcription.Release(1)
		m.note(callID, took, 0)
	}, nil
}

// AcquireSynthesis takes a synthesis slot. Phrase-cache hits bypass this.
func (m *Manager) AcquireSynthesis(ctx context.Context, callID string) (func(time.Duration), error) {
	if err := m.synthesis.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("resource: acquire synthesis slot: %w", err)
	}
	return func(took time.Duration) {
		m.synthesis.Release(1)
		m.note(callID, 0, took)
	}, nil
}

func (m *Manager) note(callID string, transcription, synthesis time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[callID]
	if !ok {
		return
	}
	if transcription > 0 {
		st.transcriptions++
		st.transcriptionTime += transcription
	}
	if synthesis > 0 {
		st.syntheses++
		st.synthesisTime += synthesis
	}
}

// RegisterConn records a weak reference to a leg connection.
func (m *Manager) RegisterConn(callID, role string, entry ConnEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRole, ok := m.conns[callID]
	if !ok {
		byRole = make(map[string]ConnEntry, 2)
		m.conns[callID] = byRole
	}
	if entry.RegisteredAt.IsZero() {
		entry.RegisteredAt = time.Now()
	}
	byRole[role] = entry
}

// UnregisterConn drops the weak reference for one leg.
func (m *Manager) UnregisterConn(callID, role string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byRole, ok := m.conns[callID]; ok {
		delete(byRole, role)
		if len(byRole) == 0 {
			delete(m.conns, callID)
		}
	}
}

// Conn returns the weak reference for one leg, if registered. Callers must
// not retain the entry beyond the immediate targeted operation.
func (m *Manager) Conn(callID, role string) (ConnEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byRole, ok := m.conns[callID]
	if !ok {
		return ConnEntry{}, false
	}
	entry, ok := byRole[role]
	return entry, ok
}

// ConnRoles lists the registered legs per call, for the status endpoint.
func (m *Manager) ConnRoles() map[string][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]string, len(m.conns))
	for callID, byRole := range m.conns {
		for role := range byRole {
			out[callID] = append(out[callID], role)
		}
	}
	return out
}

// SetCPUSampler overrides the CPU probe. Intended for tests.
func (m *Manager) SetCPUSampler(f func() float64) {
	m.cpuPercent = f
}

// EvaluateThrottleNow forces one throttle evaluation. Intended for tests.
func (m *Manager) EvaluateThrottleNow() {
	m.evaluateThrottle()
}
