package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/envelope"
	"github.com/classmesh/classmesh/internal/ethics"
)

// BuiltinFactory returns the deterministic default implementation for each
// role. Deployments swap in model-backed implementations through
// Options.Factory without touching the coordinator.
func BuiltinFactory(cfg agent.Config, policy *ethics.LivePolicy) (agent.Instance, error) {
	switch cfg.Role {
	case agent.RoleGuardian:
		return ethics.NewReviewer(policy), nil
	case agent.RoleBlackBox:
		return acknowledger(cfg.Name), nil
	case agent.RoleDepartment, agent.RolePrincipal, agent.RoleStudentFacing:
		return responder(cfg), nil
	default:
		return nil, fmt.Errorf("no builtin implementation for role %q", cfg.Role)
	}
}

// acknowledger accepts anything it is sent. The Black-Box uses it: the real
// audit work happens in the trail, the agent only confirms receipt.
func acknowledger(name string) agent.Instance {
	return agent.InstanceFunc(func(_ context.Context, env *envelope.Envelope) (agent.Response, error) {
		return agent.Response{
			Success: true,
			Content: fmt.Sprintf("%s recorded message %s", name, env.ID),
		}, nil
	})
}

// responder is the placeholder brain for departments, the principal, and the
// student-facing agent. Emergency notifications are acknowledged as such;
// everything else gets a canned subject reply.
func responder(cfg agent.Config) agent.Instance {
	return agent.InstanceFunc(func(_ context.Context, env *envelope.Envelope) (agent.Response, error) {
		var note struct {
			Type string `json:"type"`
			Kind string `json:"kind"`
		}
		if env.Metadata.SystemGenerated && json.Unmarshal([]byte(env.Content), &note) == nil && note.Type == "emergency" {
			return agent.Response{
				Success: true,
				Content: fmt.Sprintf("%s acknowledges %s emergency", cfg.Name, note.Kind),
				Data:    map[string]any{"acknowledged": true},
			}, nil
		}
		return agent.Response{
			Success: true,
			Content: fmt.Sprintf("%s received the message and will follow up", cfg.Name),
			Data:    map[string]any{"agent_type": cfg.Type},
		}, nil
	})
}
