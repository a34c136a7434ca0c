// Package publish periodically rolls the work monitors of running services and
// hands the collected records to processors.
package publish

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/service"
	"github.com/cmatc13/svckit/pkg/work"
)

// ServiceName is the registry name of the work publisher.
const ServiceName = "work-publisher"

// Processor consumes a rolled work record collection.
type Processor interface {
	Process(ctx context.Context, ts time.Time, c *work.RecordCollection) error
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, ts time.Time, c *work.RecordCollection) error

// Process calls f(ctx, ts, c).
func (f ProcessorFunc) Process(ctx context.Context, ts time.Time, c *work.RecordCollection) error {
	return f(ctx, ts, c)
}

// Config configures the publisher.
type Config struct {
	// Periodicity is the interval between publications. Publications are
	// aligned to multiples of Periodicity since the Unix epoch.
	Periodicity time.Duration
	// Enabled turns processing on. A disabled publisher still rolls nothing
	// and keeps its schedule.
	Enabled bool
}

// DefaultConfig returns a one minute, enabled configuration.
func DefaultConfig() Config {
	return Config{Periodicity: time.Minute, Enabled: true}
}

// Service is the work publisher. It runs only while at least one work monitor
// is registered: every registration takes a start reference and every
// deregistration releases one.
type Service struct {
	*service.Base

	logger      *logging.Logger
	periodicity time.Duration
	enabled     atomic.Bool
	processors  []Processor

	mu       sync.Mutex
	monitors map[*work.Monitor]struct{}
	cancel   context.CancelFunc
	done     chan struct{}

	// afterProcess is called after every publication; used by tests.
	afterProcess func(ts time.Time)
}

// New creates a stopped publisher.
func New(cfg Config, logger *logging.Logger, processors []Processor, opts ...service.Option) (*Service, error) {
	if cfg.Periodicity <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "publish periodicity must be greater than 0")
	}
	if logger == nil {
		logger = logging.Nop()
	}

	s := &Service{
		logger:      logger.WithField("component", ServiceName),
		periodicity: cfg.Periodicity,
		processors:  processors,
		monitors:    make(map[*work.Monitor]struct{}),
	}
	s.enabled.Store(cfg.Enabled)

	opts = append([]service.Option{service.WithLogger(logger)}, opts...)
	opts = append(opts, service.WithHooks(s))
	s.Base = service.New(ServiceName, opts...)
	return s, nil
}

// SetEnabled turns processing on or off without changing the lifecycle.
func (s *Service) SetEnabled(enabled bool) {
	s.enabled.Store(enabled)
}

// Monitors returns the number of registered work monitors.
func (s *Service) Monitors() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// RegisterWorkMonitor adds m and takes a start reference on the publisher.
// Registering a monitor twice has no effect.
func (s *Service) RegisterWorkMonitor(ctx context.Context, m *work.Monitor) error {
	s.mu.Lock()
	if _, ok := s.monitors[m]; ok {
		s.mu.Unlock()
		return nil
	}
	s.monitors[m] = struct{}{}
	s.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		s.mu.Lock()
		delete(s.monitors, m)
		s.mu.Unlock()
		return err
	}
	s.logger.Debug("registered work monitor", "source", m.Source())
	return nil
}

// DeregisterWorkMonitor removes m and releases its start reference.
func (s *Service) DeregisterWorkMonitor(ctx context.Context, m *work.Monitor) error {
	s.mu.Lock()
	if _, ok := s.monitors[m]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.monitors, m)
	s.mu.Unlock()

	s.logger.Debug("deregistered work monitor", "source", m.Source())
	return s.StopImmediate(ctx)
}

// OnStart launches the publication loop.
func (s *Service) OnStart(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go s.run(loopCtx, done)
	return nil
}

// OnStop stops the publication loop and waits for it to exit.
func (s *Service) OnStop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		next := nextBoundary(time.Now(), s.periodicity)
		s.logger.Debug("sleeping until next publication", "next", next)

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if !s.enabled.Load() {
			continue
		}

		err := s.ExecuteMonitored(ctx, "publish", func(ctx context.Context) error {
			s.process(ctx, next)
			return nil
		})
		if err != nil {
			s.logger.WithError(err).Debug("publication skipped")
			continue
		}

		if took := time.Since(next); took >= s.periodicity {
			s.logger.Warn("work publishing took longer than periodicity",
				"took", took.String(), "periodicity", s.periodicity.String())
		}
	}
}

// process rolls every monitor first, so slow processors do not skew the
// collection windows, then runs every processor over every collection.
func (s *Service) process(ctx context.Context, ts time.Time) {
	s.mu.Lock()
	monitors := make([]*work.Monitor, 0, len(s.monitors)+1)
	for m := range s.monitors {
		monitors = append(monitors, m)
	}
	s.mu.Unlock()
	monitors = append(monitors, s.WorkMonitor())

	collections := make([]*work.RecordCollection, 0, len(monitors))
	for _, m := range monitors {
		collections = append(collections, m.Roll())
	}

	for _, p := range s.processors {
		for _, c := range collections {
			if err := p.Process(ctx, ts, c); err != nil {
				s.logger.WithError(err).Error("work record processing failed", "source", c.Source())
			}
		}
	}

	if s.afterProcess != nil {
		s.afterProcess(ts)
	}
}

// nextBoundary returns the first multiple of period since the Unix epoch that
// is strictly after now.
func nextBoundary(now time.Time, period time.Duration) time.Time {
	n := now.UnixNano()
	p := int64(period)
	return time.Unix(0, n-n%p+p)
}
