package config

import (
	"fmt"

	"github.com/classmesh/classmesh/internal/agent"
)

// Roster is the agent inventory loaded once at startup: the immutable pair,
// the departmental agents (including the principal), and the single
// student-facing agent. The orchestrator creates them in exactly that order.
type Roster struct {
	Immutable     []agent.Config `yaml:"immutable"`
	Departments   []agent.Config `yaml:"departments"`
	Principal     agent.Config   `yaml:"principal"`
	StudentFacing agent.Config   `yaml:"student_facing"`
}

// Empty reports whether no agents are configured at all.
func (r Roster) Empty() bool {
	return len(r.Immutable) == 0 && len(r.Departments) == 0 &&
		r.Principal.ID == "" && r.StudentFacing.ID == ""
}

// Validate checks the roster shape before any agent is created: the guardian
// and black-box must both be present, the student-facing agent must be
// named, and ids must not repeat.
func (r Roster) Validate() error {
	var haveGuardian, haveBlackBox bool
	for _, cfg := range r.Immutable {
		switch cfg.Role {
		case agent.RoleGuardian:
			haveGuardian = true
		case agent.RoleBlackBox:
			haveBlackBox = true
		default:
			return fmt.Errorf("roster: immutable agent %q has role %q; only guardian and black-box are immutable", cfg.ID, cfg.Role)
		}
	}
	if !haveGuardian {
		return fmt.Errorf("roster: no guardian agent configured")
	}
	if !haveBlackBox {
		return fmt.Errorf("roster: no black-box agent configured")
	}
	if r.StudentFacing.ID == "" {
		return fmt.Errorf("roster: no student-facing agent configured")
	}

	seen := make(map[string]bool)
	for _, cfg := range r.All() {
		if cfg.ID == "" {
			return fmt.Errorf("roster: agent with empty id")
		}
		if seen[cfg.ID] {
			return fmt.Errorf("roster: duplicate agent id %q", cfg.ID)
		}
		seen[cfg.ID] = true
	}
	return nil
}

// All returns every configured agent in initialization order.
func (r Roster) All() []agent.Config {
	out := append([]agent.Config(nil), r.Immutable...)
	out = append(out, r.Departments...)
	if r.Principal.ID != "" {
		out = append(out, r.Principal)
	}
	if r.StudentFacing.ID != "" {
		out = append(out, r.StudentFacing)
	}
	return out
}

// StarterRoster returns the default school roster generated on first run.
func StarterRoster() Roster {
	return Roster{
		Immutable: []agent.Config{
			{ID: "guardian", Name: "Guardian", Type: "guardian", Role: agent.RoleGuardian},
			{ID: "black-box", Name: "Black Box", Type: "black-box", Role: agent.RoleBlackBox},
		},
		Departments: []agent.Config{
			{ID: "math-dept", Name: "Mathematics", Type: "math", Role: agent.RoleDepartment, Priority: 5,
				Capabilities: []string{"tutoring", "homework_help"}},
			{ID: "science-dept", Name: "Science", Type: "science", Role: agent.RoleDepartment, Priority: 5,
				Capabilities: []string{"tutoring", "lab_support"}},
			{ID: "arts-dept", Name: "Arts", Type: "arts", Role: agent.RoleDepartment, Priority: 5,
				Capabilities: []string{"tutoring", "creative_projects"}},
			{ID: "athletics-dept", Name: "Athletics", Type: "athletics", Role: agent.RoleDepartment, Priority: 5,
				Capabilities: []string{"fitness_guidance"}},
			{ID: "counseling-dept", Name: "Counseling", Type: "counseling", Role: agent.RoleDepartment, Priority: 2,
				Capabilities: []string{"emotional_support", "crisis_response"}},
		},
		Principal: agent.Config{ID: "principal", Name: "Principal", Type: "principal", Role: agent.RolePrincipal, Priority: 3,
			Capabilities: []string{"administration", "escalation"}},
		StudentFacing: agent.Config{ID: "front-desk", Name: "Front Desk", Type: "student-facing", Role: agent.RoleStudentFacing, Priority: 3,
			Capabilities: []string{"student_chat"}},
	}
}
