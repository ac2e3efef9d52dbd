package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-notes/internal/protocol"
)

type pipelineMetrics struct {
	outcomes metric.Int64Counter
	stages   metric.Float64Histogram
	runs     metric.Float64Histogram
	busy     metric.Int64ObservableGauge
}

func newMetrics(p *Pipeline) (*pipelineMetrics, error) {
	meter := otel.Meter("github.com/loqalabs/loqa-notes/pipeline")
	m := &pipelineMetrics{}

	var err error
	m.outcomes, err = meter.Int64Counter("notes.pipeline.outcomes", metric.WithDescription("Pipeline runs by outcome"))
	if err != nil {
		return nil, err
	}
	m.stages, err = meter.Float64Histogram("notes.pipeline.stage.duration",
		metric.WithDescription("Time spent in each remote stage"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.runs, err = meter.Float64Histogram("notes.pipeline.run.duration",
		metric.WithDescription("Time from recording start to outcome"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}
	m.busy, err = meter.Int64ObservableGauge("notes.pipeline.busy", metric.WithDescription("1 while a run is in flight"))
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if p.State().Busy() {
			v = 1
		}
		obs.ObserveInt64(m.busy, v)
		return nil
	}, m.busy)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *pipelineMetrics) recordOutcome(ctx context.Context, o protocol.Outcome) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("kind", string(o.Kind))}
	if o.Error != "" {
		attrs = append(attrs, attribute.String("error", o.Error))
	}
	if o.Fallback {
		attrs = append(attrs, attribute.Bool("fallback", true))
	}
	m.outcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *pipelineMetrics) recordStage(ctx context.Context, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("stage", stage)))
}

func (m *pipelineMetrics) recordRun(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.Record(ctx, d.Seconds())
}
