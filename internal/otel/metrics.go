package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ClassMesh metrics instruments.
type Metrics struct {
	RouteDuration    metric.Float64Histogram
	ReviewDuration   metric.Float64Histogram
	RequestDuration  metric.Float64Histogram
	RoutesTotal      metric.Int64Counter
	RoutesRejected   metric.Int64Counter
	AuditWrites      metric.Int64Counter
	EmergencyEvents  metric.Int64Counter
	ActiveRoutes     metric.Int64UpDownCounter
	ClassifierMisses metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RouteDuration, err = meter.Float64Histogram("classmesh.route.duration",
		metric.WithDescription("End-to-end routing duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ReviewDuration, err = meter.Float64Histogram("classmesh.review.duration",
		metric.WithDescription("Guardian ethical review duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("classmesh.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutesTotal, err = meter.Int64Counter("classmesh.route.total",
		metric.WithDescription("Total routing attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutesRejected, err = meter.Int64Counter("classmesh.route.rejected",
		metric.WithDescription("Routing attempts rejected or failed before delivery"),
	)
	if err != nil {
		return nil, err
	}

	m.AuditWrites, err = meter.Int64Counter("classmesh.audit.writes",
		metric.WithDescription("Audit trail records written"),
	)
	if err != nil {
		return nil, err
	}

	m.EmergencyEvents, err = meter.Int64Counter("classmesh.emergency.events",
		metric.WithDescription("Emergency activations and clears"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveRoutes, err = meter.Int64UpDownCounter("classmesh.route.active",
		metric.WithDescription("Routing attempts currently in flight"),
	)
	if err != nil {
		return nil, err
	}

	m.ClassifierMisses, err = meter.Int64Counter("classmesh.classifier.misses",
		metric.WithDescription("Student interactions no department matched"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
