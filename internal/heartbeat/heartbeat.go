// Package heartbeat provides a service that does a small unit of monitored
// work on a fixed interval and publishes it as telemetry.
package heartbeat

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/service"
	"github.com/cmatc13/svckit/pkg/telemetry"
)

// ServiceName is the registry name of the heartbeat service.
const ServiceName = "heartbeat"

// Telemetry attribute names.
const (
	AttrBeats  = "beats"
	AttrUptime = "uptime"
)

// Service beats every interval while running.
type Service struct {
	*service.Base

	interval time.Duration
	logger   *logging.Logger
	beats    atomic.Int64

	mu      sync.Mutex
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped heartbeat service.
func New(interval time.Duration, logger *logging.Logger, opts ...service.Option) (*Service, error) {
	if interval <= 0 {
		return nil, errors.Wrap(errors.ErrInvalidInput, "heartbeat interval must be greater than 0")
	}
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{interval: interval, logger: logger.WithField("component", ServiceName)}
	opts = append([]service.Option{service.WithLogger(logger)}, opts...)
	s.Base = service.New(ServiceName, append(opts, service.WithHooks(s))...)
	return s, nil
}

// Beats returns the number of completed beats.
func (s *Service) Beats() int64 {
	return s.beats.Load()
}

// OnStart launches the beat loop. The loop outlives ctx and runs until OnStop.
func (s *Service) OnStart(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	s.mu.Lock()
	s.started = time.Now()
	s.cancel, s.done = cancel, done
	s.mu.Unlock()

	go s.run(loopCtx, done)
	return nil
}

// OnStop ends the beat loop and waits for it to exit, or for ctx to be done.
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

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Beat(ctx); err != nil {
				s.logger.WithError(err).Warn("heartbeat failed")
			}
		}
	}
}

// Beat performs one beat as graceful, monitored work.
func (s *Service) Beat(ctx context.Context) error {
	return s.ExecuteMonitored(ctx, "beat", func(ctx context.Context) error {
		n := s.beats.Add(1)

		s.mu.Lock()
		uptime := time.Since(s.started)
		s.mu.Unlock()

		info := telemetry.NewInfo(ServiceName)
		if err := info.Set(AttrBeats, n); err != nil {
			return err
		}
		if err := info.Set(AttrUptime, uptime.Milliseconds()); err != nil {
			return err
		}
		s.logger.Debug("beat", AttrBeats, n)
		return s.PublishTelemetry(ctx, info)
	})
}
