package bus

// Topic constants form the closed event vocabulary of the core. Collaborators
// subscribe by prefix ("agent.", "system.", "routing.") or exact topic.
const (
	TopicAgentStatusChanged = "agent.status_changed"

	TopicSystemReady     = "system.ready"
	TopicSystemError     = "system.error"
	TopicSystemEmergency = "system.emergency"

	TopicRoutingCompleted = "routing.completed"
	TopicRoutingRejected  = "routing.rejected"
)

// Payload structs carry json tags because the gateway forwards them verbatim
// to WebSocket subscribers.

// AgentStatusUpdate is published when an agent's lifecycle status changes.
type AgentStatusUpdate struct {
	AgentID   string `json:"agent_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// SystemReady is published once when initialization completes.
type SystemReady struct {
	AgentCount int `json:"agent_count"`
}

// SystemError is published when the orchestrator transitions to error.
type SystemError struct {
	Stage  string `json:"stage"` // initialization stage or operation that failed
	Reason string `json:"reason"`
}

// SystemEmergency is published when emergency mode is raised or cleared.
type SystemEmergency struct {
	Kind   string `json:"kind"`
	Active bool   `json:"active"` // true on raise, false on explicit clear
	Detail string `json:"detail,omitempty"`
	Actor  string `json:"actor,omitempty"` // "" for system-raised
}

// RoutingOutcome is published after every routing attempt, delivered or not.
type RoutingOutcome struct {
	EnvelopeID string `json:"envelope_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Delivered  bool   `json:"delivered"`
	Reason     string `json:"reason,omitempty"` // "" on success
	DurationMS int64  `json:"duration_ms"`
}
