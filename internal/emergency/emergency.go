// Package emergency escalates critical events through a fixed notification
// path: Guardian first, then counseling and principal in parallel.
package emergency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/audit"
	"github.com/classmesh/classmesh/internal/bus"
	cmotel "github.com/classmesh/classmesh/internal/otel"
	"github.com/classmesh/classmesh/internal/router"
)

// SenderID identifies the coordinator itself as the origin of emergency
// notifications. It is not a registered agent.
const SenderID = "coordinator"

// Routes is the slice of the router the coordinator needs.
type Routes interface {
	Route(ctx context.Context, req router.Request) (router.Result, error)
}

// Notification is the payload delivered to each notified agent.
type Notification struct {
	Type   string `json:"type"` // always "emergency"
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
	Actor  string `json:"actor,omitempty"`
}

// NotifyFailure reports one notifier that could not be reached. Failures are
// isolated per agent and never block sibling notifications.
type NotifyFailure struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

// Report summarizes one Activate call.
type Report struct {
	AlreadyActive bool            `json:"already_active"`
	Notified      []string        `json:"notified"`
	Failures      []NotifyFailure `json:"failures,omitempty"`
}

// Coordinator owns the sticky emergency flag and the notification fan-out.
// The flag is never cleared implicitly; Clear is a deliberate administrative
// action.
type Coordinator struct {
	routes   Routes
	registry *agent.Registry
	bus      *bus.Bus
	logger   *slog.Logger
	metrics  *cmotel.Metrics

	mu          sync.Mutex
	active      bool
	kind        string
	detail      string
	activatedAt time.Time
}

// New creates a Coordinator. Bus and metrics may be nil.
func New(routes Routes, registry *agent.Registry, b *bus.Bus, metrics *cmotel.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		routes:   routes,
		registry: registry,
		bus:      b,
		logger:   logger,
		metrics:  metrics,
	}
}

// Activate raises emergency mode and runs the notification path. The
// Guardian is notified first and awaited; counseling and principal are then
// notified concurrently, each failure isolated. Activation is idempotent for
// the flag but every call re-runs the notifications. The returned error is
// non-nil only when the audit trail broke underneath a notification.
func (c *Coordinator) Activate(ctx context.Context, kind, detail, actor string) (Report, error) {
	c.mu.Lock()
	report := Report{AlreadyActive: c.active}
	c.active = true
	c.kind = kind
	c.detail = detail
	if !report.AlreadyActive {
		c.activatedAt = time.Now().UTC()
	}
	c.mu.Unlock()

	c.logger.Warn("emergency activated", "kind", kind, "actor", actor, "already_active", report.AlreadyActive)
	if c.metrics != nil {
		c.metrics.EmergencyEvents.Add(ctx, 1)
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicSystemEmergency, bus.SystemEmergency{
			Kind:   kind,
			Active: true,
			Detail: detail,
			Actor:  actor,
		})
	}

	payload, err := json.Marshal(Notification{Type: "emergency", Kind: kind, Detail: detail, Actor: actor})
	if err != nil {
		return report, fmt.Errorf("marshal emergency notification: %w", err)
	}

	var fatal []error

	// Guardian first, synchronously. Secondary notifiers wait for this.
	guardian, ok := c.registry.ByRole(agent.RoleGuardian)
	if !ok {
		report.Failures = append(report.Failures, NotifyFailure{AgentID: "guardian", Reason: "no guardian registered"})
	} else if err := c.notify(ctx, guardian.ID, payload, &report); err != nil {
		fatal = append(fatal, err)
	}

	// Counseling and principal in parallel, failures isolated.
	var targets []string
	if a, ok := c.counselingAgent(); ok {
		targets = append(targets, a.ID)
	}
	if a, ok := c.registry.ByRole(agent.RolePrincipal); ok {
		targets = append(targets, a.ID)
	}

	var (
		wg       sync.WaitGroup
		reportMu sync.Mutex
	)
	fatalCh := make(chan error, len(targets))
	for _, id := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			sub := Report{}
			if err := c.notify(ctx, id, payload, &sub); err != nil {
				fatalCh <- err
			}
			reportMu.Lock()
			report.Notified = append(report.Notified, sub.Notified...)
			report.Failures = append(report.Failures, sub.Failures...)
			reportMu.Unlock()
		}(id)
	}
	wg.Wait()
	close(fatalCh)
	for err := range fatalCh {
		fatal = append(fatal, err)
	}

	return report, errors.Join(fatal...)
}

// notify routes one emergency notification. Routing failures land in the
// report; only a broken audit trail comes back as an error.
func (c *Coordinator) notify(ctx context.Context, agentID string, payload []byte, report *Report) error {
	res, err := c.routes.Route(ctx, router.Request{
		From:            SenderID,
		To:              agentID,
		Content:         string(payload),
		SystemGenerated: true,
	})
	if err != nil {
		var we *audit.WriteError
		if errors.As(err, &we) {
			return err
		}
		report.Failures = append(report.Failures, NotifyFailure{AgentID: agentID, Reason: err.Error()})
		c.logger.Error("emergency notification failed", "agent_id", agentID, "error", err)
		return nil
	}
	if !res.Success {
		report.Failures = append(report.Failures, NotifyFailure{AgentID: agentID, Reason: res.Reason})
		c.logger.Error("emergency notification not delivered", "agent_id", agentID, "code", res.Code, "reason", res.Reason)
		return nil
	}
	report.Notified = append(report.Notified, agentID)
	return nil
}

func (c *Coordinator) counselingAgent() (*agent.Agent, bool) {
	for _, a := range c.registry.List() {
		if a.Role == agent.RoleDepartment && a.Type == "counseling" {
			return a, true
		}
	}
	return nil, false
}

// Active reports whether emergency mode is raised.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Snapshot returns the current emergency state.
func (c *Coordinator) Snapshot() (active bool, kind, detail string, since time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active, c.kind, c.detail, c.activatedAt
}

// Clear lowers emergency mode. It is the explicit administrative action the
// sticky flag requires; nothing in the system calls it automatically.
func (c *Coordinator) Clear(ctx context.Context, actor string) bool {
	c.mu.Lock()
	wasActive := c.active
	kind := c.kind
	c.active = false
	c.kind = ""
	c.detail = ""
	c.mu.Unlock()

	if !wasActive {
		return false
	}
	c.logger.Info("emergency cleared", "kind", kind, "actor", actor)
	if c.metrics != nil {
		c.metrics.EmergencyEvents.Add(ctx, 1)
	}
	if c.bus != nil {
		c.bus.Publish(bus.TopicSystemEmergency, bus.SystemEmergency{
			Kind:   kind,
			Active: false,
			Actor:  actor,
		})
	}
	return true
}
