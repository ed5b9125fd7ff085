// Package orchestrator owns the coordinator lifecycle: agent creation in a
// fixed order, the routing pipeline wiring, and the operational state
// machine.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/audit"
	"github.com/classmesh/classmesh/internal/bus"
	"github.com/classmesh/classmesh/internal/classify"
	"github.com/classmesh/classmesh/internal/config"
	"github.com/classmesh/classmesh/internal/emergency"
	"github.com/classmesh/classmesh/internal/ethics"
	"github.com/classmesh/classmesh/internal/health"
	cmotel "github.com/classmesh/classmesh/internal/otel"
	"github.com/classmesh/classmesh/internal/persistence"
	"github.com/classmesh/classmesh/internal/retention"
	"github.com/classmesh/classmesh/internal/router"
	"github.com/classmesh/classmesh/internal/shared"
)

// Status is the coordinator lifecycle state.
type Status string

const (
	StatusUninitialized Status = "uninitialized"
	StatusInitializing  Status = "initializing"
	StatusOperational   Status = "operational"
	StatusError         Status = "error"
	StatusShutdown      Status = "shutdown"
)

// InitError reports a fatal initialization failure. Departmental agent
// failures never produce one; guardian, black-box, and student-facing
// failures always do.
type InitError struct {
	Stage   string
	AgentID string
	Err     error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialization failed at %s (agent %q): %v", e.Stage, e.AgentID, e.Err)
}

func (e *InitError) Unwrap() error { return e.Err }

// Factory builds the implementation behind one configured agent. External
// deployments supply model-backed implementations; the default factory
// returns deterministic built-ins.
type Factory func(cfg agent.Config, policy *ethics.LivePolicy) (agent.Instance, error)

// Options carries optional collaborators for a System.
type Options struct {
	Logger  *slog.Logger
	Bus     *bus.Bus
	Store   *persistence.Store // nil runs without sqlite
	Factory Factory
	// Classifier overrides the default keyword table.
	Classifier classify.Classifier
	Provider   *cmotel.Provider
}

// StudentResult is the outcome of one student interaction.
type StudentResult struct {
	Department string        `json:"department,omitempty"`
	Confidence float64       `json:"confidence,omitempty"`
	Escalated  bool          `json:"escalated"`
	Result     router.Result `json:"result"`
}

// System is the assembled coordinator.
type System struct {
	cfg    config.Config
	logger *slog.Logger
	bus    *bus.Bus
	store  *persistence.Store

	registry   *agent.Registry
	policy     *ethics.LivePolicy
	gate       *ethics.Gate
	trail      *audit.Trail
	router     *router.Router
	emergency  *emergency.Coordinator
	monitor    *health.Monitor
	classifier classify.Classifier
	sweeper    *retention.Sweeper
	factory    Factory
	provider   *cmotel.Provider
	metrics    *cmotel.Metrics

	mu     sync.RWMutex
	status Status

	runCancel context.CancelFunc
	runWG     sync.WaitGroup
}

// New assembles an uninitialized System. Initialize must run before any
// routing operation.
func New(cfg config.Config, opts Options) (*System, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := opts.Bus
	if b == nil {
		b = bus.New()
	}

	pol, err := ethics.Load(cfg.EthicsPolicyPathOrDefault())
	if err != nil {
		return nil, err
	}

	trail, err := audit.Open(cfg.HomeDir, opts.Store, logger)
	if err != nil {
		return nil, err
	}

	classifier := opts.Classifier
	if classifier == nil {
		classifier = classify.NewKeywordClassifier()
	}
	factory := opts.Factory
	if factory == nil {
		factory = BuiltinFactory
	}

	var metrics *cmotel.Metrics
	if opts.Provider != nil {
		metrics, err = cmotel.NewMetrics(opts.Provider.Meter)
		if err != nil {
			return nil, err
		}
	}

	return &System{
		cfg:        cfg,
		logger:     logger,
		bus:        b,
		store:      opts.Store,
		registry:   agent.NewRegistry(opts.Store, b, logger),
		policy:     ethics.NewLivePolicy(pol),
		trail:      trail,
		classifier: classifier,
		factory:    factory,
		provider:   opts.Provider,
		metrics:    metrics,
		status:     StatusUninitialized,
	}, nil
}

// Bus exposes the event bus for gateway streams.
func (s *System) Bus() *bus.Bus { return s.bus }

// Registry exposes the sealed agent registry for read paths.
func (s *System) Registry() *agent.Registry { return s.registry }

// Trail exposes the audit trail for read paths.
func (s *System) Trail() *audit.Trail { return s.trail }

// Policy exposes the live review policy for hot reload.
func (s *System) Policy() *ethics.LivePolicy { return s.policy }

// Status returns the lifecycle status.
func (s *System) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *System) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Initialize creates the roster in the fixed order: immutable pair first,
// then departmental agents best-effort, then the student-facing agent. A
// guardian, black-box, or student-facing failure is fatal and moves the
// system to the error state; a departmental failure is logged and skipped.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	if s.status != StatusUninitialized {
		st := s.status
		s.mu.Unlock()
		return fmt.Errorf("initialize called in state %q", st)
	}
	s.status = StatusInitializing
	s.mu.Unlock()

	roster := s.cfg.Roster

	// Immutable pair. The guardian's instance doubles as the review gate's
	// backend, so it is created first.
	var guardianImpl agent.Instance
	var guardianID string
	for _, cfg := range roster.Immutable {
		impl, err := s.factory(cfg, s.policy)
		if err != nil {
			return s.fatal("immutable", cfg.ID, err)
		}
		if _, err := s.registry.Create(ctx, cfg, impl); err != nil {
			return s.fatal("immutable", cfg.ID, err)
		}
		if cfg.Role == agent.RoleGuardian {
			guardianImpl = impl
			guardianID = cfg.ID
		}
	}
	s.gate = ethics.NewGate(guardianID, guardianImpl, s.logger)

	rtOpts := router.Options{
		Registry: s.registry,
		Gate:     s.gate,
		Trail:    s.trail,
		Bus:      s.bus,
		Logger:   s.logger,
		Timeout:  s.cfg.RouteTimeout(),
		Metrics:  s.metrics,
	}
	if s.provider != nil {
		rtOpts.Tracer = s.provider.Tracer
	}
	rt, err := router.New(rtOpts)
	if err != nil {
		return s.fatal("router", "", err)
	}
	s.router = rt
	s.emergency = emergency.New(rt, s.registry, s.bus, s.metrics, s.logger)

	// Departmental agents and the principal: best-effort. A single failure
	// is logged and skipped so the rest of the school still comes up.
	departmental := append([]agent.Config(nil), roster.Departments...)
	if roster.Principal.ID != "" {
		departmental = append(departmental, roster.Principal)
	}
	for _, cfg := range departmental {
		impl, err := s.factory(cfg, s.policy)
		if err == nil {
			_, err = s.registry.Create(ctx, cfg, impl)
		}
		if err != nil {
			s.logger.Error("departmental agent skipped", "agent_id", cfg.ID, "error", err)
			s.bus.Publish(bus.TopicSystemError, bus.SystemError{Stage: "departmental", Reason: err.Error()})
		}
	}

	// Student-facing agent: fatal, students must have an entry point.
	sf := roster.StudentFacing
	impl, err := s.factory(sf, s.policy)
	if err != nil {
		return s.fatal("student-facing", sf.ID, err)
	}
	if _, err := s.registry.Create(ctx, sf, impl); err != nil {
		return s.fatal("student-facing", sf.ID, err)
	}

	s.registry.Seal()
	s.monitor = health.New(s.registry, s.router, s.emergency, func() string { return string(s.Status()) },
		s.cfg.HealthInterval(), s.logger)

	s.setStatus(StatusOperational)
	counts := s.registry.Counts()
	s.logger.Info("coordinator operational", "agents", counts.Total, "departments", counts.Departmental,
		"config", s.cfg.Fingerprint())
	s.bus.Publish(bus.TopicSystemReady, bus.SystemReady{AgentCount: counts.Total})
	return nil
}

func (s *System) fatal(stage, agentID string, err error) error {
	s.setStatus(StatusError)
	ie := &InitError{Stage: stage, AgentID: agentID, Err: err}
	s.logger.Error("fatal initialization failure", "stage", stage, "agent_id", agentID, "error", err)
	s.bus.Publish(bus.TopicSystemError, bus.SystemError{Stage: stage, Reason: ie.Error()})
	return ie
}

// Run starts the background loops: health ticks, retention sweeps, and the
// ethics policy watcher. It returns immediately; Shutdown stops them.
func (s *System) Run(ctx context.Context) error {
	if s.Status() != StatusOperational {
		return fmt.Errorf("run called in state %q", s.Status())
	}
	ctx, s.runCancel = context.WithCancel(ctx)

	s.runWG.Add(1)
	go func() {
		defer s.runWG.Done()
		s.monitor.Run(ctx)
	}()

	if s.store != nil && s.cfg.Retention.AuditLogDays > 0 {
		sweeper, err := retention.NewSweeper(retention.Config{
			Store:    s.store,
			Schedule: s.cfg.Retention.SweepSchedule,
			KeepDays: s.cfg.Retention.AuditLogDays,
			Logger:   s.logger,
		})
		if err != nil {
			return err
		}
		s.sweeper = sweeper
		sweeper.Start(ctx)
	}

	if err := ethics.Watch(ctx, s.cfg.EthicsPolicyPathOrDefault(), s.policy, s.logger); err != nil {
		s.logger.Warn("ethics policy watcher unavailable", "error", err)
	}
	return nil
}

// ensureOperational rejects routing while the system is not serving.
func (s *System) ensureOperational() error {
	if st := s.Status(); st != StatusOperational {
		return fmt.Errorf("coordinator is %s", st)
	}
	return nil
}

// escalate handles a broken audit trail: the system stops serving.
func (s *System) escalate(err error) {
	var we *audit.WriteError
	if errors.As(err, &we) {
		s.setStatus(StatusError)
		s.bus.Publish(bus.TopicSystemError, bus.SystemError{Stage: "audit", Reason: err.Error()})
	}
}

// RouteMessage runs one routing attempt between two agents.
func (s *System) RouteMessage(ctx context.Context, from, to, content string) (router.Result, error) {
	if err := s.ensureOperational(); err != nil {
		return router.Result{}, err
	}
	res, err := s.router.Route(ctx, router.Request{From: from, To: to, Content: content})
	if err != nil {
		s.escalate(err)
	}
	return res, err
}

// ProcessStudentInteraction classifies the interaction and routes it from
// the student-facing agent to the matched department, or back to the
// student-facing agent itself when no department matches. Either way the
// message passes review and lands in the audit trail.
func (s *System) ProcessStudentInteraction(ctx context.Context, studentID, interaction string) (StudentResult, error) {
	if err := s.ensureOperational(); err != nil {
		return StudentResult{}, err
	}
	sf, ok := s.registry.ByRole(agent.RoleStudentFacing)
	if !ok {
		return StudentResult{}, &agent.NotFoundError{AgentID: "student-facing"}
	}

	ctx = shared.WithStudentID(ctx, studentID)
	out := StudentResult{}
	target := sf.ID
	if dept, score, matched := s.classifier.Classify(interaction); matched {
		if a, found := s.departmentAgent(dept); found {
			out.Department = string(dept)
			out.Confidence = score
			out.Escalated = true
			target = a.ID
		}
	} else if s.metrics != nil {
		s.metrics.ClassifierMisses.Add(ctx, 1)
	}

	res, err := s.router.Route(ctx, router.Request{
		From:           sf.ID,
		To:             target,
		Content:        interaction,
		StudentVisible: true,
	})
	if err != nil {
		s.escalate(err)
		return out, err
	}
	out.Result = res
	return out, nil
}

// ProcessAdminMessage routes administrative traffic to the principal.
func (s *System) ProcessAdminMessage(ctx context.Context, source, message string) (router.Result, error) {
	if err := s.ensureOperational(); err != nil {
		return router.Result{}, err
	}
	principal, ok := s.registry.ByRole(agent.RolePrincipal)
	if !ok {
		return router.Result{}, &agent.NotFoundError{AgentID: "principal"}
	}
	ctx = shared.WithSender(ctx, source)
	res, err := s.router.Route(ctx, router.Request{From: source, To: principal.ID, Content: message})
	if err != nil {
		s.escalate(err)
	}
	return res, err
}

// HandleEmergency raises emergency mode and runs the notification path.
func (s *System) HandleEmergency(ctx context.Context, kind, detail, actor string) (emergency.Report, error) {
	if err := s.ensureOperational(); err != nil {
		return emergency.Report{}, err
	}
	report, err := s.emergency.Activate(ctx, kind, detail, actor)
	if err != nil {
		s.escalate(err)
	}
	return report, err
}

// ClearEmergency lowers the sticky emergency flag. Explicit only.
func (s *System) ClearEmergency(ctx context.Context, actor string) bool {
	if s.emergency == nil {
		return false
	}
	return s.emergency.Clear(ctx, actor)
}

// EmergencyActive reports the sticky flag.
func (s *System) EmergencyActive() bool {
	if s.emergency == nil {
		return false
	}
	return s.emergency.Active()
}

// SystemHealth takes a fresh health snapshot.
func (s *System) SystemHealth() health.Snapshot {
	if s.monitor == nil {
		return health.Snapshot{Status: string(s.Status())}
	}
	return s.monitor.Check()
}

// Shutdown stops background loops, marks every agent shutting down, and
// releases the trail and store.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.status == StatusShutdown {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusShutdown
	s.mu.Unlock()

	if s.runCancel != nil {
		s.runCancel()
	}
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
	s.runWG.Wait()

	for _, a := range s.registry.List() {
		if err := s.registry.SetStatus(ctx, a.ID, agent.StatusShuttingDown); err != nil {
			s.logger.Warn("shutdown status update failed", "agent_id", a.ID, "error", err)
		}
	}

	var errs []error
	if err := s.trail.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.logger.Info("coordinator shut down")
	return errors.Join(errs...)
}

func (s *System) departmentAgent(dept classify.Department) (*agent.Agent, bool) {
	for _, a := range s.registry.List() {
		if a.Role == agent.RoleDepartment && a.Type == string(dept) {
			return a, true
		}
	}
	return nil, false
}
