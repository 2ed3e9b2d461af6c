package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all evomem metric instruments.
type Metrics struct {
	RequestDuration     metric.Float64Histogram
	ExperimentsCreated  metric.Int64Counter
	OutcomesRecorded    metric.Int64Counter
	MemoriesCreated     metric.Int64Counter
	ScoringDuration     metric.Float64Histogram
	GraduationsPromoted metric.Int64Counter
	GraduationsFailed   metric.Int64Counter
	ExperimentsPurged   metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("evomem.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ExperimentsCreated, err = meter.Int64Counter("evomem.experiments.created",
		metric.WithDescription("Experiments created"),
	)
	if err != nil {
		return nil, err
	}

	m.OutcomesRecorded, err = meter.Int64Counter("evomem.experiments.outcomes",
		metric.WithDescription("Terminal outcomes recorded, by outcome attribute"),
	)
	if err != nil {
		return nil, err
	}

	m.MemoriesCreated, err = meter.Int64Counter("evomem.memories.created",
		metric.WithDescription("Experiment memories created"),
	)
	if err != nil {
		return nil, err
	}

	m.ScoringDuration, err = meter.Float64Histogram("evomem.scoring.duration",
		metric.WithDescription("Confidence scoring duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.GraduationsPromoted, err = meter.Int64Counter("evomem.graduations.promoted",
		metric.WithDescription("Memories promoted to the shared store"),
	)
	if err != nil {
		return nil, err
	}

	m.GraduationsFailed, err = meter.Int64Counter("evomem.graduations.failed",
		metric.WithDescription("Memory promotions that failed"),
	)
	if err != nil {
		return nil, err
	}

	m.ExperimentsPurged, err = meter.Int64Counter("evomem.retention.purged",
		metric.WithDescription("Experiments removed by retention sweeps"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
