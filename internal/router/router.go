// Package router implements the coordinator's message pipeline: envelope
// construction, mandatory ethical review, audit recording, and delivery.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/classmesh/classmesh/internal/agent"
	"github.com/classmesh/classmesh/internal/audit"
	"github.com/classmesh/classmesh/internal/bus"
	"github.com/classmesh/classmesh/internal/envelope"
	"github.com/classmesh/classmesh/internal/ethics"
	cmotel "github.com/classmesh/classmesh/internal/otel"
)

// Failure codes carried on a Result when Success is false. Routing failures
// are ordinary outcomes, not errors; only a broken audit trail escalates.
const (
	CodeRejected          = "rejected"
	CodeReviewUnavailable = "review_unavailable"
	CodeTargetNotFound    = "target_not_found"
	CodeAgentError        = "agent_error"
)

// DefaultRouteTimeout bounds a single delivery to the target agent.
const DefaultRouteTimeout = 30 * time.Second

// Request describes one message to route between two agents.
type Request struct {
	From    string
	To      string
	Content string

	// StudentVisible marks content a student may see in responses.
	StudentVisible bool
	// SystemGenerated marks coordinator-originated traffic.
	SystemGenerated bool
}

// Result is the structured outcome of one routing attempt.
type Result struct {
	Success    bool           `json:"success"`
	EnvelopeID string         `json:"envelope_id"`
	Priority   int            `json:"priority"`
	Code       string         `json:"code,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Response   agent.Response `json:"response,omitempty"`
	Duration   time.Duration  `json:"-"`
}

// Options configures a Router.
type Options struct {
	Registry *agent.Registry
	Gate     *ethics.Gate
	Trail    *audit.Trail
	Bus      *bus.Bus
	Logger   *slog.Logger

	// Timeout bounds each delivery; zero means DefaultRouteTimeout.
	Timeout time.Duration

	Tracer  trace.Tracer
	Metrics *cmotel.Metrics
}

// Router moves envelopes between agents. Every attempt passes the Guardian
// gate (except the Guardian's own traffic) and lands exactly one audit
// record before the attempt finishes.
type Router struct {
	registry *agent.Registry
	gate     *ethics.Gate
	trail    *audit.Trail
	bus      *bus.Bus
	logger   *slog.Logger
	timeout  time.Duration

	tracer  trace.Tracer
	metrics *cmotel.Metrics

	totalInteractions atomic.Int64
	totalDuration     atomic.Int64 // nanoseconds across all attempts
}

// New creates a Router. Registry, Gate, and Trail are required; Bus, Tracer,
// and Metrics may be nil.
func New(opts Options) (*Router, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("router requires a registry")
	}
	if opts.Gate == nil {
		return nil, fmt.Errorf("router requires an ethical review gate")
	}
	if opts.Trail == nil {
		return nil, fmt.Errorf("router requires an audit trail")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRouteTimeout
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(cmotel.TracerName)
	}
	metrics := opts.Metrics
	if metrics == nil {
		var err error
		metrics, err = cmotel.NewMetrics(noop.NewMeterProvider().Meter(cmotel.MeterName))
		if err != nil {
			return nil, err
		}
	}
	return &Router{
		registry: opts.Registry,
		gate:     opts.Gate,
		trail:    opts.Trail,
		bus:      opts.Bus,
		logger:   logger,
		timeout:  timeout,
		tracer:   tracer,
		metrics:  metrics,
	}, nil
}

// Route runs the full pipeline for one message: build the envelope, ask the
// Guardian, record the attempt, and deliver only on approval. The returned
// error is non-nil only when the audit trail could not be written; that
// failure is fatal to the attempt and the caller must escalate it.
func (r *Router) Route(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	env := r.buildEnvelope(req)

	ctx, span := cmotel.StartSpan(ctx, r.tracer, "router.route",
		cmotel.AttrEnvelopeID.String(env.ID),
		cmotel.AttrFromAgent.String(env.From),
		cmotel.AttrToAgent.String(env.To),
		cmotel.AttrPriority.Int(env.Priority),
	)
	defer span.End()

	r.metrics.ActiveRoutes.Add(ctx, 1)
	defer r.metrics.ActiveRoutes.Add(ctx, -1)
	r.metrics.RoutesTotal.Add(ctx, 1)

	res, decision, reason, delivered := r.attempt(ctx, env, req)
	res.Duration = time.Since(start)

	// Exactly one audit record per attempt, regardless of outcome. A write
	// failure overrides the routing outcome and comes back fatal.
	if err := r.trail.Record(ctx, env, decision, delivered, reason); err != nil {
		span.RecordError(err)
		r.logger.Error("audit write failed, escalating", "envelope_id", env.ID, "error", err)
		return Result{Success: false, EnvelopeID: env.ID, Priority: env.Priority}, err
	}
	r.metrics.AuditWrites.Add(ctx, 1)

	span.SetAttributes(cmotel.AttrDecision.String(string(decision)))
	r.metrics.RouteDuration.Record(ctx, res.Duration.Seconds())
	r.totalInteractions.Add(1)
	r.totalDuration.Add(int64(res.Duration))

	if res.Success {
		r.logger.Info("message delivered",
			"envelope_id", env.ID, "from", env.From, "to", env.To,
			"priority", env.Priority, "duration_ms", res.Duration.Milliseconds())
	} else {
		r.metrics.RoutesRejected.Add(ctx, 1)
		r.logger.Warn("message not delivered",
			"envelope_id", env.ID, "from", env.From, "to", env.To,
			"code", res.Code, "reason", res.Reason)
	}

	if r.bus != nil {
		topic := bus.TopicRoutingCompleted
		if !res.Success {
			topic = bus.TopicRoutingRejected
		}
		r.bus.Publish(topic, bus.RoutingOutcome{
			EnvelopeID: env.ID,
			From:       env.From,
			To:         env.To,
			Delivered:  res.Success,
			Reason:     res.Reason,
			DurationMS: res.Duration.Milliseconds(),
		})
	}
	return res, nil
}

// attempt runs review and delivery and reports what the audit record should
// say. It never touches the trail itself.
func (r *Router) attempt(ctx context.Context, env *envelope.Envelope, req Request) (res Result, decision audit.Decision, reason string, delivered bool) {
	res = Result{EnvelopeID: env.ID, Priority: env.Priority}

	// The Guardian's own messages skip review: it would be reviewing itself.
	if env.From != r.gate.GuardianID() {
		reviewStart := time.Now()
		verdict, err := r.gate.Review(ctx, env)
		r.metrics.ReviewDuration.Record(ctx, time.Since(reviewStart).Seconds())
		if err != nil {
			// Fail closed: an unreachable Guardian blocks delivery.
			res.Code = CodeReviewUnavailable
			res.Reason = "ethical review unavailable: " + err.Error()
			return res, audit.DecisionError, res.Reason, false
		}
		if !verdict.Approved {
			res.Code = CodeRejected
			res.Reason = verdict.Reason
			if res.Reason == "" {
				res.Reason = "rejected by ethical review"
			}
			return res, audit.DecisionRejected, res.Reason, false
		}
	}
	env.Metadata.EthicalReview = true

	target, ok := r.registry.Get(env.To)
	if !ok {
		err := &agent.NotFoundError{AgentID: env.To}
		res.Code = CodeTargetNotFound
		res.Reason = err.Error()
		return res, audit.DecisionApproved, res.Reason, false
	}

	dctx, cancel := context.WithTimeout(ctx, r.timeout)
	resp, err := target.Process(dctx, env)
	cancel()
	r.registry.RecordInteraction(env.To, err == nil && resp.Success)
	if err != nil {
		res.Code = CodeAgentError
		res.Reason = fmt.Sprintf("agent %s failed: %v", env.To, err)
		return res, audit.DecisionApproved, res.Reason, false
	}

	res.Success = true
	res.Response = resp
	return res, audit.DecisionApproved, "", true
}

// buildEnvelope derives the priority and wraps the request. Priority is the
// lower (more urgent) of the two endpoints' levels, with safety overrides:
// anything touching the Guardian runs at 1, anything touching the counseling
// department at 2.
func (r *Router) buildEnvelope(req Request) *envelope.Envelope {
	priority := r.priorityFor(req.From, req.To)
	env := envelope.New(req.From, req.To, req.Content, priority)
	env.Metadata.StudentVisible = req.StudentVisible
	env.Metadata.SystemGenerated = req.SystemGenerated
	return env
}

// priorityFor derives an envelope's priority from the two endpoints: the
// more urgent (lower) of the two registered priorities, with two overrides.
// Guardian involvement always yields the safety priority. Counseling
// involvement caps the result at the counseling priority rather than forcing
// it, so a route that is already more urgent, such as one touching the
// reserved priority zero agents, keeps its urgency.
func (r *Router) priorityFor(from, to string) int {
	p := r.agentPriority(from)
	if q := r.agentPriority(to); q < p {
		p = q
	}
	if r.involvesRole(from, to, agent.RoleGuardian) {
		return agent.PrioritySafety
	}
	if r.involvesType(from, to, "counseling") {
		if p > agent.PriorityCounseling {
			return agent.PriorityCounseling
		}
	}
	return p
}

// agentPriority returns the registered priority, or the lowest urgency for
// unknown senders so they never jump the queue.
func (r *Router) agentPriority(id string) int {
	if a, ok := r.registry.Get(id); ok {
		return a.Priority
	}
	return 5
}

func (r *Router) involvesRole(from, to string, role agent.Role) bool {
	for _, id := range []string{from, to} {
		if a, ok := r.registry.Get(id); ok && a.Role == role {
			return true
		}
	}
	return false
}

// involvesType matches the department type of either endpoint. Departmental
// agents carry their department id in the Type field.
func (r *Router) involvesType(from, to, typ string) bool {
	for _, id := range []string{from, to} {
		if a, ok := r.registry.Get(id); ok && a.Type == typ {
			return true
		}
	}
	return false
}

// TotalInteractions reports the number of completed routing attempts.
func (r *Router) TotalInteractions() int64 {
	return r.totalInteractions.Load()
}

// AverageResponseTime reports the mean end-to-end routing duration.
func (r *Router) AverageResponseTime() time.Duration {
	n := r.totalInteractions.Load()
	if n == 0 {
		return 0
	}
	return time.Duration(r.totalDuration.Load() / n)
}
