// Package health produces periodic read-only snapshots of coordinator state.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/classmesh/classmesh/internal/agent"
)

// DefaultInterval is the snapshot cadence when none is configured.
const DefaultInterval = 30 * time.Second

// RouterStats is the slice of the router the monitor reads.
type RouterStats interface {
	TotalInteractions() int64
	AverageResponseTime() time.Duration
}

// EmergencyState reports the sticky emergency flag.
type EmergencyState interface {
	Active() bool
}

// StatusFunc reports the orchestrator's lifecycle status.
type StatusFunc func() string

// Snapshot is one immutable health reading.
type Snapshot struct {
	Status            string       `json:"status"`
	AgentCounts       agent.Counts `json:"agent_counts"`
	TotalInteractions int64        `json:"total_interactions"`
	AverageResponseMS int64        `json:"average_response_ms"`
	EmergencyMode     bool         `json:"emergency_mode"`
	GuardianActive    bool         `json:"guardian_active"`
	BlackBoxActive    bool         `json:"black_box_active"`
	LastHealthCheck   time.Time    `json:"last_health_check"`
}

// Monitor ticks on its own timer, decoupled from request handling. Check is
// read-only; updating the last-check timestamp is its only side effect.
type Monitor struct {
	registry  *agent.Registry
	stats     RouterStats
	emergency EmergencyState
	status    StatusFunc
	interval  time.Duration
	logger    *slog.Logger

	mu        sync.RWMutex
	lastCheck time.Time
	latest    Snapshot
}

// New creates a Monitor. A non-positive interval falls back to
// DefaultInterval.
func New(registry *agent.Registry, stats RouterStats, emergency EmergencyState, status StatusFunc, interval time.Duration, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		registry:  registry,
		stats:     stats,
		emergency: emergency,
		status:    status,
		interval:  interval,
		logger:    logger,
	}
}

// Check takes one snapshot now.
func (m *Monitor) Check() Snapshot {
	now := time.Now().UTC()

	snap := Snapshot{
		Status:          m.status(),
		AgentCounts:     m.registry.Counts(),
		LastHealthCheck: now,
	}
	if m.stats != nil {
		snap.TotalInteractions = m.stats.TotalInteractions()
		snap.AverageResponseMS = m.stats.AverageResponseTime().Milliseconds()
	}
	if m.emergency != nil {
		snap.EmergencyMode = m.emergency.Active()
	}
	if a, ok := m.registry.ByRole(agent.RoleGuardian); ok {
		snap.GuardianActive = a.Status() == agent.StatusActive
	}
	if a, ok := m.registry.ByRole(agent.RoleBlackBox); ok {
		snap.BlackBoxActive = a.Status() == agent.StatusActive
	}

	m.mu.Lock()
	m.lastCheck = now
	m.latest = snap
	m.mu.Unlock()
	return snap
}

// Latest returns the most recent snapshot, taking a fresh one if the monitor
// has never run.
func (m *Monitor) Latest() Snapshot {
	m.mu.RLock()
	snap := m.latest
	taken := !m.lastCheck.IsZero()
	m.mu.RUnlock()
	if !taken {
		return m.Check()
	}
	return snap
}

// LastCheck returns when the monitor last ran.
func (m *Monitor) LastCheck() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastCheck
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := m.Check()
			if !snap.GuardianActive || !snap.BlackBoxActive {
				m.logger.Warn("protected agent not active",
					"guardian_active", snap.GuardianActive,
					"black_box_active", snap.BlackBoxActive)
			}
		}
	}
}
