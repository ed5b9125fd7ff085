package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/ethics"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		HomeDir:               t.TempDir(),
		BindAddr:              "127.0.0.1:0",
		LogLevel:              "info",
		RouteTimeoutSeconds:   5,
		HealthIntervalSeconds: 30,
		Roster:                config.StarterRoster(),
	}
}

func newOperationalSystem(t *testing.T) *System {
	t.Helper()
	sys, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	if err := sys.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	t.Cleanup(func() { sys.Shutdown(context.Background()) })
	return sys
}

func TestInitialize_FullRoster(t *testing.T) {
	sys := newOperationalSystem(t)

	if sys.Status() != StatusOperational {
		t.Fatalf("status = %q", sys.Status())
	}
	counts := sys.Registry().Counts()
	if counts.Immutable != 2 {
		t.Fatalf("immutable count = %d, want 2", counts.Immutable)
	}
	if counts.Departmental != 5 {
		t.Fatalf("departmental count = %d, want 5", counts.Departmental)
	}

	// Registry is sealed: no post-initialization creation.
	_, err := sys.Registry().Create(context.Background(),
		agent.Config{ID: "late", Name: "Late", Role: agent.RoleDepartment, Priority: 5},
		agent.InstanceFunc(nil))
	var ve *agent.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError from sealed registry, got %v", err)
	}
}

func TestInitialize_GuardianFailureIsFatal(t *testing.T) {
	sys, err := New(testConfig(t), Options{
		Factory: func(cfg agent.Config, policy *ethics.LivePolicy) (agent.Instance, error) {
			if cfg.Role == agent.RoleGuardian {
				return nil, fmt.Errorf("model unavailable")
			}
			return BuiltinFactory(cfg, policy)
		},
	})
	if err != nil {
		t.Fatalf("new system: %v", err)
	}

	err = sys.Initialize(context.Background())
	var ie *InitError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InitError, got %v", err)
	}
	if ie.Stage != "immutable" {
		t.Fatalf("stage = %q", ie.Stage)
	}
	if sys.Status() != StatusError {
		t.Fatalf("status = %q, want error", sys.Status())
	}
	if _, err := sys.RouteMessage(context.Background(), "a", "b", "x"); err == nil {
		t.Fatal("routing must be rejected after fatal initialization")
	}
}

func TestInitialize_DepartmentalFailureIsSkipped(t *testing.T) {
	sys, err := New(testConfig(t), Options{
		Factory: func(cfg agent.Config, policy *ethics.LivePolicy) (agent.Instance, error) {
			if cfg.ID == "arts-dept" {
				return nil, fmt.Errorf("flaky department")
			}
			return BuiltinFactory(cfg, policy)
		},
	})
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	if err := sys.Initialize(context.Background()); err != nil {
		t.Fatalf("departmental failure must not abort initialization: %v", err)
	}
	defer sys.Shutdown(context.Background())

	if sys.Status() != StatusOperational {
		t.Fatalf("status = %q", sys.Status())
	}
	if _, ok := sys.Registry().Get("arts-dept"); ok {
		t.Fatal("failed department must not be registered")
	}
	if _, ok := sys.Registry().ByRole(agent.RoleStudentFacing); !ok {
		t.Fatal("student-facing agent must still be created")
	}
	// The immutable pair is unaffected.
	if got := sys.Registry().Counts().Immutable; got != 2 {
		t.Fatalf("immutable count = %d, want 2", got)
	}
}

func TestInitialize_StudentFacingFailureIsFatal(t *testing.T) {
	sys, err := New(testConfig(t), Options{
		Factory: func(cfg agent.Config, policy *ethics.LivePolicy) (agent.Instance, error) {
			if cfg.Role == agent.RoleStudentFacing {
				return nil, fmt.Errorf("front desk unavailable")
			}
			return BuiltinFactory(cfg, policy)
		},
	})
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	err = sys.Initialize(context.Background())
	var ie *InitError
	if !errors.As(err, &ie) {
		t.Fatalf("expected InitError, got %v", err)
	}
	if ie.Stage != "student-facing" {
		t.Fatalf("stage = %q", ie.Stage)
	}
	if sys.Status() != StatusError {
		t.Fatalf("status = %q", sys.Status())
	}
}

func TestImmutableAgentsProtected(t *testing.T) {
	sys := newOperationalSystem(t)

	for _, id := range []string{"guardian", "black-box"} {
		a, ok := sys.Registry().Get(id)
		if !ok {
			t.Fatalf("%s missing", id)
		}
		if a.Priority != agent.PriorityReserved {
			t.Fatalf("%s priority = %d, want 0", id, a.Priority)
		}
		if !a.Immutable {
			t.Fatalf("%s must be immutable", id)
		}
		err := sys.Registry().Reconfigure(context.Background(), id, agent.Config{Name: "Renamed", Priority: 9})
		var ime *agent.ImmutableError
		if !errors.As(err, &ime) {
			t.Fatalf("expected ImmutableError for %s, got %v", id, err)
		}
	}
}

func TestRouteMessage_RequiresOperational(t *testing.T) {
	sys, err := New(testConfig(t), Options{})
	if err != nil {
		t.Fatalf("new system: %v", err)
	}
	if _, err := sys.RouteMessage(context.Background(), "front-desk", "math-dept", "hi"); err == nil {
		t.Fatal("routing before initialization must fail")
	}
}

func TestProcessStudentInteraction_Escalation(t *testing.T) {
	sys := newOperationalSystem(t)
	ctx := context.Background()

	out, err := sys.ProcessStudentInteraction(ctx, "student-17", "I need help with math homework")
	if err != nil {
		t.Fatalf("student interaction: %v", err)
	}
	if !out.Escalated || out.Department != "math" {
		t.Fatalf("expected math escalation, got %+v", out)
	}
	if !out.Result.Success {
		t.Fatalf("routing failed: %s", out.Result.Reason)
	}

	out, err = sys.ProcessStudentInteraction(ctx, "student-17", "I feel sad today")
	if err != nil {
		t.Fatalf("student interaction: %v", err)
	}
	if out.Department != "counseling" {
		t.Fatalf("expected counseling, got %q", out.Department)
	}
	if out.Result.Priority != agent.PriorityCounseling {
		t.Fatalf("counseling routing priority = %d, want %d", out.Result.Priority, agent.PriorityCounseling)
	}
}

func TestProcessStudentInteraction_NoMatchAnswersDirectly(t *testing.T) {
	sys := newOperationalSystem(t)

	out, err := sys.ProcessStudentInteraction(context.Background(), "student-3", "hello there")
	if err != nil {
		t.Fatalf("student interaction: %v", err)
	}
	if out.Escalated || out.Department != "" {
		t.Fatalf("greeting must not escalate, got %+v", out)
	}
	if !out.Result.Success {
		t.Fatalf("direct answer failed: %s", out.Result.Reason)
	}
	// Audited like any other attempt.
	if sys.Trail().Count() == 0 {
		t.Fatal("student interaction must be audited")
	}
}

func TestProcessAdminMessage(t *testing.T) {
	sys := newOperationalSystem(t)

	res, err := sys.ProcessAdminMessage(context.Background(), "district-office", "budget review friday")
	if err != nil {
		t.Fatalf("admin message: %v", err)
	}
	if !res.Success {
		t.Fatalf("admin routing failed: %s", res.Reason)
	}
}

func TestEmergencyLifecycle(t *testing.T) {
	sys := newOperationalSystem(t)
	ctx := context.Background()

	if sys.EmergencyActive() {
		t.Fatal("emergency must start inactive")
	}
	report, err := sys.HandleEmergency(ctx, "fire_drill", "east wing", "sensor-2")
	if err != nil {
		t.Fatalf("handle emergency: %v", err)
	}
	if len(report.Notified) == 0 || report.Notified[0] != "guardian" {
		t.Fatalf("guardian must head the notification list: %+v", report)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("unexpected notification failures: %+v", report.Failures)
	}
	if !sys.EmergencyActive() {
		t.Fatal("emergency mode must be set")
	}

	// Sticky across subsequent calls.
	if _, err := sys.HandleEmergency(ctx, "fire_drill", "east wing", "sensor-2"); err != nil {
		t.Fatalf("repeat emergency: %v", err)
	}
	if !sys.EmergencyActive() {
		t.Fatal("emergency mode must stay set")
	}
	snap := sys.SystemHealth()
	if !snap.EmergencyMode {
		t.Fatal("health snapshot must reflect emergency mode")
	}

	if !sys.ClearEmergency(ctx, "principal") {
		t.Fatal("explicit clear must succeed")
	}
	if sys.EmergencyActive() {
		t.Fatal("emergency mode must drop after explicit clear")
	}
}

func TestSystemHealth_Snapshot(t *testing.T) {
	sys := newOperationalSystem(t)

	if _, err := sys.RouteMessage(context.Background(), "front-desk", "math-dept", "ping"); err != nil {
		t.Fatalf("route: %v", err)
	}
	snap := sys.SystemHealth()
	if snap.Status != string(StatusOperational) {
		t.Fatalf("snapshot status = %q", snap.Status)
	}
	if snap.AgentCounts.Immutable != 2 {
		t.Fatalf("immutable = %d, want 2", snap.AgentCounts.Immutable)
	}
	if snap.TotalInteractions != 1 {
		t.Fatalf("total interactions = %d, want 1", snap.TotalInteractions)
	}
	if !snap.GuardianActive || !snap.BlackBoxActive {
		t.Fatal("protected agents must report active")
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	sys := newOperationalSystem(t)
	ctx := context.Background()

	if err := sys.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sys.Status() != StatusShutdown {
		t.Fatalf("status = %q", sys.Status())
	}
	if err := sys.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if _, err := sys.RouteMessage(ctx, "front-desk", "math-dept", "late"); err == nil {
		t.Fatal("routing after shutdown must fail")
	}
}
