// Package agent holds the agent data model and the registry that owns all
// agent instances for the lifetime of the coordinator.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/classmesh/classmesh/internal/envelope"
)

// Status is an agent's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusShuttingDown Status = "shutting_down"
	StatusError        Status = "error"
)

// Role names an agent's function within the school.
type Role string

const (
	// RoleGuardian is the immutable ethical-review agent. Exactly one exists.
	RoleGuardian Role = "guardian"
	// RoleBlackBox is the immutable audit-logging agent. Exactly one exists.
	RoleBlackBox Role = "black-box"
	// RoleDepartment is a specialized subject agent (math, arts, ...).
	RoleDepartment Role = "department"
	// RolePrincipal is the administrative escalation agent.
	RolePrincipal Role = "principal"
	// RoleStudentFacing is the single agent students talk to directly.
	RoleStudentFacing Role = "student-facing"
)

// Priority levels. Zero is reserved for the Guardian and Black-Box.
const (
	PriorityReserved   = 0
	PrioritySafety     = 1 // routing that involves the Guardian
	PriorityCounseling = 2 // routing that involves the counseling agent
)

// Metadata tracks an agent's activity since creation.
type Metadata struct {
	CreatedAt        time.Time `json:"created_at"`
	LastActive       time.Time `json:"last_active"`
	InteractionCount int64     `json:"interaction_count"`
	SuccessRate      float64   `json:"success_rate"`
}

// Response is the result of an agent processing one envelope.
type Response struct {
	Success bool           `json:"success"`
	Content string         `json:"content,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Instance is the behavior contract an agent implementation fulfills. The
// coordinator depends on nothing else: language models, retrieval, wearable
// processing all live behind this single operation.
type Instance interface {
	ProcessMessage(ctx context.Context, env *envelope.Envelope) (Response, error)
}

// InstanceFunc adapts a function to the Instance interface.
type InstanceFunc func(ctx context.Context, env *envelope.Envelope) (Response, error)

func (f InstanceFunc) ProcessMessage(ctx context.Context, env *envelope.Envelope) (Response, error) {
	return f(ctx, env)
}

// Config describes one agent to create.
type Config struct {
	ID              string            `yaml:"id"`
	Name            string            `yaml:"name"`
	Type            string            `yaml:"type"`
	Role            Role              `yaml:"role"`
	Priority        int               `yaml:"priority"`
	Capabilities    []string          `yaml:"capabilities"`
	Specializations map[string]string `yaml:"specializations"`
	Immutable       bool              `yaml:"immutable"`
}

// Agent is one registered agent: its record plus its implementation.
type Agent struct {
	ID              string
	Name            string
	Type            string
	Role            Role
	Priority        int
	Capabilities    []string
	Specializations map[string]string
	Immutable       bool

	// mu guards status and metadata, which the registry mutates while
	// health snapshots and the gateway read them concurrently.
	mu       sync.Mutex
	status   Status
	metadata Metadata
	impl     Instance
}

// Status returns the agent's current lifecycle status.
// Callers must go through the registry to change it.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Metadata returns a copy of the agent's activity metadata.
func (a *Agent) Metadata() Metadata {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.metadata
}

// Process forwards an envelope to the agent implementation.
func (a *Agent) Process(ctx context.Context, env *envelope.Envelope) (Response, error) {
	return a.impl.ProcessMessage(ctx, env)
}

// ValidationError reports malformed or duplicate agent configuration.
type ValidationError struct {
	AgentID string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid agent config %q: %s", e.AgentID, e.Reason)
}

// NotFoundError reports an unknown agent id.
type NotFoundError struct {
	AgentID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("agent %q not found", e.AgentID)
}

// ImmutableError reports an attempt to reconfigure a protected agent.
type ImmutableError struct {
	AgentID string
}

func (e *ImmutableError) Error() string {
	return fmt.Sprintf("agent %q is immutable and cannot be reconfigured", e.AgentID)
}
