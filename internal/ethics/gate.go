package ethics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/envelope"
)

// ReviewRequest is the payload the gate sends to the Guardian for approval.
type ReviewRequest struct {
	Type     string             `json:"type"` // always "ethical_review"
	Envelope *envelope.Envelope `json:"envelope"`
}

// Decision is the Guardian's verdict on one envelope.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   string `json:"reason,omitempty"`
}

// Gate is the mandatory approval gate in front of every delivery. It wraps
// the Guardian's ProcessMessage contract and is fail-closed: if the Guardian
// cannot be reached or answers malformed, the message is not delivered.
type Gate struct {
	guardianID string
	reviewer   agent.Instance
	logger     *slog.Logger
}

// NewGate wraps the Guardian instance behind the review contract.
func NewGate(guardianID string, reviewer agent.Instance, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{guardianID: guardianID, reviewer: reviewer, logger: logger}
}

// GuardianID returns the id of the wrapped Guardian agent.
func (g *Gate) GuardianID() string { return g.guardianID }

// Review asks the Guardian to approve env. A returned error means the review
// itself failed (Guardian unreachable or malformed verdict); the caller must
// treat that as a rejection, never as approval.
func (g *Gate) Review(ctx context.Context, env *envelope.Envelope) (Decision, error) {
	req := ReviewRequest{Type: "ethical_review", Envelope: env}
	payload, err := json.Marshal(req)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal review request: %w", err)
	}

	reviewEnv := envelope.New(env.From, g.guardianID, string(payload), env.Priority)
	reviewEnv.Metadata.SystemGenerated = true

	resp, err := g.reviewer.ProcessMessage(ctx, reviewEnv)
	if err != nil {
		g.logger.Error("guardian review failed, failing closed", "envelope_id", env.ID, "error", err)
		return Decision{}, fmt.Errorf("guardian review: %w", err)
	}
	if !resp.Success {
		g.logger.Error("guardian returned unsuccessful review, failing closed", "envelope_id", env.ID)
		return Decision{}, fmt.Errorf("guardian review unsuccessful")
	}

	approved, ok := resp.Data["approved"].(bool)
	if !ok {
		g.logger.Error("guardian verdict malformed, failing closed", "envelope_id", env.ID)
		return Decision{}, fmt.Errorf("guardian verdict missing approved flag")
	}
	reason, _ := resp.Data["reason"].(string)
	return Decision{Approved: approved, Reason: reason}, nil
}

// Reviewer is the default Guardian implementation: a deterministic,
// policy-driven review. Deployments can swap in a model-backed Guardian
// without touching the gate or router.
type Reviewer struct {
	policy *LivePolicy
}

// NewReviewer creates the policy-backed Guardian brain.
func NewReviewer(policy *LivePolicy) *Reviewer {
	return &Reviewer{policy: policy}
}

// ProcessMessage implements agent.Instance for review envelopes.
func (r *Reviewer) ProcessMessage(_ context.Context, env *envelope.Envelope) (agent.Response, error) {
	var req ReviewRequest
	if err := json.Unmarshal([]byte(env.Content), &req); err != nil {
		return agent.Response{}, fmt.Errorf("decode review request: %w", err)
	}
	if req.Type == "emergency" && env.Metadata.SystemGenerated {
		// The guardian is first on the emergency notification path and
		// must acknowledge it like any other notified agent.
		return agent.Response{
			Success: true,
			Content: "guardian acknowledges emergency",
			Data:    map[string]any{"acknowledged": true},
		}, nil
	}
	if req.Type != "ethical_review" || req.Envelope == nil {
		return agent.Response{}, fmt.Errorf("unexpected guardian request type %q", req.Type)
	}

	approved, reason := r.policy.Evaluate(req.Envelope.From, req.Envelope.Content)
	return agent.Response{
		Success: true,
		Data: map[string]any{
			"approved":       approved,
			"reason":         reason,
			"policy_version": r.policy.Version(),
		},
	}, nil
}
