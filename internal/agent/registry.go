package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/classmesh/classmesh/internal/bus"
	"github.com/classmesh/classmesh/internal/persistence"
)

// Registry owns the set of agent instances. It is populated during the
// initialization phase and sealed before the coordinator goes operational;
// after sealing, creation is rejected and the map is effectively read-only.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	order  []string // creation order, for stable listings
	sealed bool

	store  *persistence.Store // may be nil in tests
	bus    *bus.Bus
	logger *slog.Logger
}

// Counts summarizes the registry for health snapshots.
type Counts struct {
	Total        int `json:"total"`
	Active       int `json:"active"`
	Immutable    int `json:"immutable"`
	Departmental int `json:"departmental"`
}

// NewRegistry creates an empty Registry.
func NewRegistry(store *persistence.Store, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		agents: make(map[string]*Agent),
		store:  store,
		bus:    b,
		logger: logger,
	}
}

// Create validates cfg, registers the agent, and persists its record.
// Duplicate ids are rejected, never overwritten. Guardian and Black-Box roles
// are forced immutable at priority zero, and only one of each may exist.
func (r *Registry) Create(ctx context.Context, cfg Config, impl Instance) (*Agent, error) {
	if cfg.ID == "" {
		return nil, &ValidationError{AgentID: cfg.ID, Reason: "id must be non-empty"}
	}
	if cfg.Name == "" {
		return nil, &ValidationError{AgentID: cfg.ID, Reason: "name must be non-empty"}
	}
	if impl == nil {
		return nil, &ValidationError{AgentID: cfg.ID, Reason: "no implementation provided"}
	}

	protected := cfg.Role == RoleGuardian || cfg.Role == RoleBlackBox
	if protected {
		cfg.Priority = PriorityReserved
		cfg.Immutable = true
	} else if cfg.Priority <= PriorityReserved {
		return nil, &ValidationError{AgentID: cfg.ID, Reason: "priority 0 is reserved for guardian and black-box"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return nil, &ValidationError{AgentID: cfg.ID, Reason: "registry is sealed; agents are created only during initialization"}
	}
	if _, exists := r.agents[cfg.ID]; exists {
		return nil, &ValidationError{AgentID: cfg.ID, Reason: "agent id already registered"}
	}
	if protected {
		for _, existing := range r.agents {
			if existing.Role == cfg.Role {
				return nil, &ValidationError{AgentID: cfg.ID, Reason: "role " + string(cfg.Role) + " already held by " + existing.ID}
			}
		}
	}

	now := time.Now().UTC()
	a := &Agent{
		ID:              cfg.ID,
		Name:            cfg.Name,
		Type:            cfg.Type,
		Role:            cfg.Role,
		Priority:        cfg.Priority,
		Capabilities:    append([]string(nil), cfg.Capabilities...),
		Specializations: copySpecializations(cfg.Specializations),
		Immutable:       cfg.Immutable,
		status:          StatusActive,
		metadata:        Metadata{CreatedAt: now, LastActive: now, SuccessRate: 1.0},
		impl:            impl,
	}

	if r.store != nil {
		rec := persistence.AgentRecord{
			AgentID:   a.ID,
			Name:      a.Name,
			Type:      a.Type,
			Role:      string(a.Role),
			Priority:  a.Priority,
			Immutable: a.Immutable,
			Status:    string(a.status),
		}
		if err := r.store.SaveAgent(ctx, rec); err != nil {
			return nil, &ValidationError{AgentID: cfg.ID, Reason: "persist agent record: " + err.Error()}
		}
	}

	r.agents[a.ID] = a
	r.order = append(r.order, a.ID)

	r.logger.Info("agent created", "agent_id", a.ID, "role", a.Role, "priority", a.Priority, "immutable", a.Immutable)
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentStatusChanged, bus.AgentStatusUpdate{
			AgentID:   a.ID,
			OldStatus: string(StatusInitializing),
			NewStatus: string(a.status),
		})
	}
	return a, nil
}

// Seal marks the end of the initialization phase. Further Create calls fail.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Get returns the agent with the given id.
func (r *Registry) Get(id string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a, ok
}

// List returns all agents in creation order.
func (r *Registry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.agents[id])
	}
	return out
}

// ByRole returns the first agent holding the given role.
func (r *Registry) ByRole(role Role) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, id := range r.order {
		if r.agents[id].Role == role {
			return r.agents[id], true
		}
	}
	return nil, false
}

// SetStatus transitions an agent's lifecycle status. Status is the only
// mutation allowed on immutable agents after creation.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	r.mu.Lock()
	a, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{AgentID: id}
	}
	a.mu.Lock()
	old := a.status
	a.status = status
	a.mu.Unlock()
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.UpdateAgentStatus(ctx, id, string(status)); err != nil {
			r.logger.Warn("failed to persist agent status", "agent_id", id, "error", err)
		}
	}
	r.logger.Info("agent status changed", "agent_id", id, "from", old, "to", status)
	if r.bus != nil {
		r.bus.Publish(bus.TopicAgentStatusChanged, bus.AgentStatusUpdate{
			AgentID:   id,
			OldStatus: string(old),
			NewStatus: string(status),
		})
	}
	return nil
}

// Reconfigure replaces an agent's mutable configuration. Immutable agents
// (Guardian, Black-Box) always reject it.
func (r *Registry) Reconfigure(ctx context.Context, id string, cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.agents[id]
	if !ok {
		return &NotFoundError{AgentID: id}
	}
	if a.Immutable {
		return &ImmutableError{AgentID: id}
	}
	if cfg.Name == "" {
		return &ValidationError{AgentID: id, Reason: "name must be non-empty"}
	}
	if cfg.Priority <= PriorityReserved {
		return &ValidationError{AgentID: id, Reason: "priority 0 is reserved for guardian and black-box"}
	}

	a.Name = cfg.Name
	a.Priority = cfg.Priority
	a.Capabilities = append([]string(nil), cfg.Capabilities...)
	a.Specializations = copySpecializations(cfg.Specializations)
	r.logger.Info("agent reconfigured", "agent_id", id)
	return nil
}

// RecordInteraction updates an agent's activity metadata after a delivery.
func (r *Registry) RecordInteraction(id string, success bool) {
	r.mu.RLock()
	a, ok := r.agents[id]
	r.mu.RUnlock()
	if !ok {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	n := a.metadata.InteractionCount + 1
	s := 0.0
	if success {
		s = 1.0
	}
	a.metadata.SuccessRate = (a.metadata.SuccessRate*float64(n-1) + s) / float64(n)
	a.metadata.InteractionCount = n
	a.metadata.LastActive = time.Now().UTC()
}

// Counts summarizes the registry state.
func (r *Registry) Counts() Counts {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var c Counts
	for _, a := range r.agents {
		c.Total++
		if a.Status() == StatusActive {
			c.Active++
		}
		if a.Immutable {
			c.Immutable++
		}
		if a.Role == RoleDepartment {
			c.Departmental++
		}
	}
	return c
}

func copySpecializations(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
