package publish

import (
	"context"
	"time"

	"github.com/cmatc13/svckit/pkg/metrics"
	"github.com/cmatc13/svckit/pkg/telemetry"
	"github.com/cmatc13/svckit/pkg/work"
)

// MetricsProcessor adds rolled work records to the Prometheus work counters.
type MetricsProcessor struct {
	metrics *metrics.Metrics
}

// NewMetricsProcessor creates a MetricsProcessor.
func NewMetricsProcessor(m *metrics.Metrics) *MetricsProcessor {
	return &MetricsProcessor{metrics: m}
}

// Process implements Processor.
func (p *MetricsProcessor) Process(_ context.Context, _ time.Time, c *work.RecordCollection) error {
	for _, r := range c.Records() {
		p.metrics.RecordWork(c.Source(), r.Name, "ok", r.OKCount, r.OKDuration)
		p.metrics.RecordWork(c.Source(), r.Name, "error", r.ErrorCount, r.ErrorDuration)
	}
	p.metrics.RecordWorkRoll(c.Source())
	return nil
}

// TelemetryProcessor turns rolled work records into telemetry and publishes it.
type TelemetryProcessor struct {
	publisher telemetry.Publisher
}

// NewTelemetryProcessor creates a TelemetryProcessor.
func NewTelemetryProcessor(p telemetry.Publisher) *TelemetryProcessor {
	return &TelemetryProcessor{publisher: p}
}

// Process implements Processor. Every record is published; the first error is returned.
func (p *TelemetryProcessor) Process(ctx context.Context, ts time.Time, c *work.RecordCollection) error {
	var first error
	for _, info := range telemetry.FromWorkRecords(ts, c) {
		info.Publish()
		if err := p.publisher.Publish(ctx, info); err != nil && first == nil {
			first = err
		}
	}
	return first
}
