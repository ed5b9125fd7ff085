package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/audit"
	"github.com/classmesh/classmesh/internal/envelope"
	"github.com/classmesh/classmesh/internal/ethics"
)

func echoAgent() agent.Instance {
	return agent.InstanceFunc(func(_ context.Context, env *envelope.Envelope) (agent.Response, error) {
		return agent.Response{Success: true, Content: "echo: " + env.Content}, nil
	})
}

func newTestRouter(t *testing.T, policy ethics.Policy) (*Router, *agent.Registry, *audit.Trail) {
	t.Helper()
	logger := slog.Default()
	reg := agent.NewRegistry(nil, nil, logger)
	ctx := context.Background()

	lp := ethics.NewLivePolicy(policy)
	guardian := ethics.NewReviewer(lp)
	if _, err := reg.Create(ctx, agent.Config{ID: "guardian", Name: "Guardian", Role: agent.RoleGuardian}, guardian); err != nil {
		t.Fatalf("create guardian: %v", err)
	}
	if _, err := reg.Create(ctx, agent.Config{ID: "black-box", Name: "Black Box", Role: agent.RoleBlackBox}, echoAgent()); err != nil {
		t.Fatalf("create black-box: %v", err)
	}
	if _, err := reg.Create(ctx, agent.Config{ID: "front-desk", Name: "Front Desk", Role: agent.RoleStudentFacing, Priority: 3}, echoAgent()); err != nil {
		t.Fatalf("create front-desk: %v", err)
	}
	if _, err := reg.Create(ctx, agent.Config{ID: "math-dept", Name: "Math", Role: agent.RoleDepartment, Type: "math", Priority: 5}, echoAgent()); err != nil {
		t.Fatalf("create math-dept: %v", err)
	}
	if _, err := reg.Create(ctx, agent.Config{ID: "counseling-dept", Name: "Counseling", Role: agent.RoleDepartment, Type: "counseling", Priority: 2}, echoAgent()); err != nil {
		t.Fatalf("create counseling-dept: %v", err)
	}

	trail, err := audit.Open(t.TempDir(), nil, logger)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	t.Cleanup(func() { trail.Close() })

	r, err := New(Options{
		Registry: reg,
		Gate:     ethics.NewGate("guardian", guardian, logger),
		Trail:    trail,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return r, reg, trail
}

func TestRoute_ApprovedDelivers(t *testing.T) {
	r, _, trail := newTestRouter(t, ethics.Default())

	res, err := r.Route(context.Background(), Request{From: "front-desk", To: "math-dept", Content: "help with algebra"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected delivery, got code %q reason %q", res.Code, res.Reason)
	}
	if res.Response.Content != "echo: help with algebra" {
		t.Fatalf("unexpected response content %q", res.Response.Content)
	}
	if trail.Count() != 1 {
		t.Fatalf("expected exactly one audit record, got %d", trail.Count())
	}
}

func TestRoute_RejectedNeverDelivers(t *testing.T) {
	policy := ethics.Default()
	policy.DenyTerms = append(policy.DenyTerms, "forbidden")
	r, reg, trail := newTestRouter(t, policy)

	res, err := r.Route(context.Background(), Request{From: "front-desk", To: "math-dept", Content: "this is forbidden content"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Success {
		t.Fatal("expected rejection")
	}
	if res.Code != CodeRejected {
		t.Fatalf("expected code %q, got %q", CodeRejected, res.Code)
	}
	if res.Reason == "" {
		t.Fatal("rejection must carry a reason")
	}
	if trail.Count() != 1 {
		t.Fatalf("expected exactly one audit record, got %d", trail.Count())
	}
	if trail.RejectedCount() != 1 {
		t.Fatalf("expected one rejected record, got %d", trail.RejectedCount())
	}
	// The target must have seen nothing.
	a, _ := reg.Get("math-dept")
	if a.Metadata().InteractionCount != 0 {
		t.Fatalf("rejected message reached the target agent")
	}
}

func TestRoute_GuardianUnavailableFailsClosed(t *testing.T) {
	logger := slog.Default()
	reg := agent.NewRegistry(nil, nil, logger)
	ctx := context.Background()

	failing := agent.InstanceFunc(func(context.Context, *envelope.Envelope) (agent.Response, error) {
		return agent.Response{}, errors.New("guardian offline")
	})
	if _, err := reg.Create(ctx, agent.Config{ID: "guardian", Name: "Guardian", Role: agent.RoleGuardian}, failing); err != nil {
		t.Fatalf("create guardian: %v", err)
	}
	if _, err := reg.Create(ctx, agent.Config{ID: "math-dept", Name: "Math", Role: agent.RoleDepartment, Type: "math", Priority: 5}, echoAgent()); err != nil {
		t.Fatalf("create math-dept: %v", err)
	}

	trail, err := audit.Open(t.TempDir(), nil, logger)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	defer trail.Close()

	r, err := New(Options{
		Registry: reg,
		Gate:     ethics.NewGate("guardian", failing, logger),
		Trail:    trail,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	res, err := r.Route(ctx, Request{From: "math-dept", To: "math-dept", Content: "hello"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Success {
		t.Fatal("unreachable guardian must block delivery")
	}
	if res.Code != CodeReviewUnavailable {
		t.Fatalf("expected code %q, got %q", CodeReviewUnavailable, res.Code)
	}
	if trail.Count() != 1 {
		t.Fatalf("expected exactly one audit record, got %d", trail.Count())
	}
}

func TestRoute_GuardianSenderSkipsReview(t *testing.T) {
	// A reviewer that rejects everything. Guardian-originated traffic must
	// still deliver because it never passes through the gate.
	rejectAll := agent.InstanceFunc(func(context.Context, *envelope.Envelope) (agent.Response, error) {
		return agent.Response{Success: true, Data: map[string]any{"approved": false, "reason": "no"}}, nil
	})
	logger := slog.Default()
	reg := agent.NewRegistry(nil, nil, logger)
	ctx := context.Background()

	if _, err := reg.Create(ctx, agent.Config{ID: "guardian", Name: "Guardian", Role: agent.RoleGuardian}, rejectAll); err != nil {
		t.Fatalf("create guardian: %v", err)
	}
	if _, err := reg.Create(ctx, agent.Config{ID: "principal", Name: "Principal", Role: agent.RolePrincipal, Priority: 3}, echoAgent()); err != nil {
		t.Fatalf("create principal: %v", err)
	}

	trail, err := audit.Open(t.TempDir(), nil, logger)
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	defer trail.Close()

	r, err := New(Options{
		Registry: reg,
		Gate:     ethics.NewGate("guardian", rejectAll, logger),
		Trail:    trail,
		Logger:   logger,
	})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	res, err := r.Route(ctx, Request{From: "guardian", To: "principal", Content: "policy violation alert"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !res.Success {
		t.Fatalf("guardian traffic must bypass review, got code %q", res.Code)
	}
	if res.Priority != agent.PrioritySafety {
		t.Fatalf("guardian routing must run at priority %d, got %d", agent.PrioritySafety, res.Priority)
	}
}

func TestRoute_TargetNotFoundStillAudited(t *testing.T) {
	r, _, trail := newTestRouter(t, ethics.Default())

	res, err := r.Route(context.Background(), Request{From: "front-desk", To: "ghost", Content: "anyone there"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Success {
		t.Fatal("unknown target must not succeed")
	}
	if res.Code != CodeTargetNotFound {
		t.Fatalf("expected code %q, got %q", CodeTargetNotFound, res.Code)
	}
	if trail.Count() != 1 {
		t.Fatalf("expected exactly one audit record, got %d", trail.Count())
	}
}

func TestRoute_PriorityDerivation(t *testing.T) {
	r, _, _ := newTestRouter(t, ethics.Default())
	ctx := context.Background()

	cases := []struct {
		from, to string
		want     int
	}{
		{"front-desk", "math-dept", 3},      // min(3, 5)
		{"front-desk", "counseling-dept", 2},
		{"front-desk", "guardian", agent.PrioritySafety},
		{"guardian", "math-dept", agent.PrioritySafety},
		{"math-dept", "counseling-dept", agent.PriorityCounseling},
		// Counseling caps at 2 but never lowers urgency: a route touching a
		// reserved priority zero agent stays at zero.
		{"counseling-dept", "black-box", agent.PriorityReserved},
	}
	for _, tc := range cases {
		res, err := r.Route(ctx, Request{From: tc.from, To: tc.to, Content: "status check"})
		if err != nil {
			t.Fatalf("route %s->%s: %v", tc.from, tc.to, err)
		}
		if res.Priority != tc.want {
			t.Errorf("%s->%s: priority %d, want %d", tc.from, tc.to, res.Priority, tc.want)
		}
	}
}

func TestRoute_AgentErrorReported(t *testing.T) {
	broken := agent.InstanceFunc(func(context.Context, *envelope.Envelope) (agent.Response, error) {
		return agent.Response{}, fmt.Errorf("boom")
	})
	reg := agent.NewRegistry(nil, nil, slog.Default())
	ctx := context.Background()
	lp := ethics.NewLivePolicy(ethics.Default())
	guardian := ethics.NewReviewer(lp)
	if _, err := reg.Create(ctx, agent.Config{ID: "guardian", Name: "Guardian", Role: agent.RoleGuardian}, guardian); err != nil {
		t.Fatalf("create guardian: %v", err)
	}
	if _, err := reg.Create(ctx, agent.Config{ID: "science-dept", Name: "Science", Role: agent.RoleDepartment, Type: "science", Priority: 5}, broken); err != nil {
		t.Fatalf("create science-dept: %v", err)
	}
	trail, err := audit.Open(t.TempDir(), nil, slog.Default())
	if err != nil {
		t.Fatalf("open trail: %v", err)
	}
	defer trail.Close()
	r, err := New(Options{Registry: reg, Gate: ethics.NewGate("guardian", guardian, nil), Trail: trail})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	res, err := r.Route(ctx, Request{From: "science-dept", To: "science-dept", Content: "experiment log"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if res.Success {
		t.Fatal("expected agent failure")
	}
	if res.Code != CodeAgentError {
		t.Fatalf("expected code %q, got %q", CodeAgentError, res.Code)
	}
	if trail.Count() != 1 {
		t.Fatalf("expected exactly one audit record, got %d", trail.Count())
	}
	a, _ := reg.Get("science-dept")
	if a.Metadata().SuccessRate >= 1.0 {
		t.Fatal("failed delivery must lower the success rate")
	}
}

func TestRoute_AuditFailureIsFatal(t *testing.T) {
	r, _, trail := newTestRouter(t, ethics.Default())

	// Break the trail; the next attempt must escalate instead of delivering
	// quietly.
	if err := trail.Close(); err != nil {
		t.Fatalf("close trail: %v", err)
	}
	_, err := r.Route(context.Background(), Request{From: "front-desk", To: "math-dept", Content: "after close"})
	if err == nil {
		t.Fatal("expected fatal audit error")
	}
	var we *audit.WriteError
	if !errors.As(err, &we) {
		t.Fatalf("expected *audit.WriteError, got %T", err)
	}
}

func TestRoute_CountersAdvance(t *testing.T) {
	r, _, _ := newTestRouter(t, ethics.Default())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := r.Route(ctx, Request{From: "front-desk", To: "math-dept", Content: "ping"}); err != nil {
			t.Fatalf("route: %v", err)
		}
	}
	if got := r.TotalInteractions(); got != 3 {
		t.Fatalf("TotalInteractions = %d, want 3", got)
	}
	if r.AverageResponseTime() <= 0 {
		t.Fatal("expected positive average response time")
	}
}
