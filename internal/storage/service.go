package storage

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/service"
	"github.com/cmatc13/svckit/pkg/telemetry"
)

// ServiceName is the registry name of the Redis telemetry service.
const ServiceName = "redis-telemetry"

// Config holds the Redis connection settings.
type Config struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Service owns a Redis connection for the lifetime of the service and stores
// telemetry through it. Every store operation runs as graceful work, so a stop
// waits for in-flight writes before closing the connection.
type Service struct {
	*service.Base

	cfg    Config
	logger *logging.Logger

	mu     sync.RWMutex
	client *redis.Client
	store  *TelemetryStore
}

// NewService creates a stopped Redis telemetry service.
func NewService(cfg Config, logger *logging.Logger, opts ...service.Option) *Service {
	if logger == nil {
		logger = logging.Nop()
	}
	s := &Service{
		cfg:    cfg,
		logger: logger.WithField("component", ServiceName),
	}
	opts = append([]service.Option{service.WithLogger(logger)}, opts...)
	s.Base = service.New(ServiceName, append(opts, service.WithHooks(s))...)
	return s
}

// OnStart connects to Redis.
func (s *Service) OnStart(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:     s.cfg.Address,
		Password: s.cfg.Password,
		DB:       s.cfg.DB,
	})
	store := NewTelemetryStore(client, s.cfg.KeyPrefix, s.cfg.TTL)

	if err := store.Ping(ctx); err != nil {
		client.Close()
		return err
	}

	s.mu.Lock()
	s.client, s.store = client, store
	s.mu.Unlock()

	s.logger.Info("connected to Redis", "address", s.cfg.Address, "db", s.cfg.DB)
	return nil
}

// OnStop closes the connection.
func (s *Service) OnStop(context.Context) error {
	s.mu.Lock()
	client := s.client
	s.client, s.store = nil, nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpDisconnect, errors.StorageErrConnection,
			"failed to close Redis connection")
	}
	return nil
}

func (s *Service) current() (*TelemetryStore, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.store == nil {
		return nil, errors.StorageWrapWithCode(errors.ErrUnavailable, errors.OpConnect, errors.StorageErrConnection,
			"Redis connection closed")
	}
	return s.store, nil
}

// Publish implements telemetry.Publisher.
func (s *Service) Publish(ctx context.Context, info *telemetry.Info) error {
	return s.ExecuteMonitored(ctx, "publish", func(ctx context.Context) error {
		store, err := s.current()
		if err != nil {
			return err
		}
		return store.Publish(ctx, info)
	})
}

// Latest returns the attributes most recently stored under name.
func (s *Service) Latest(ctx context.Context, name string) (map[string]string, error) {
	return service.Monitored(ctx, s.Base, "latest", func(ctx context.Context) (map[string]string, error) {
		store, err := s.current()
		if err != nil {
			return nil, err
		}
		return store.Latest(ctx, name)
	})
}

// Names returns the telemetry names stored since the given time.
func (s *Service) Names(ctx context.Context, since time.Time) ([]string, error) {
	return service.Monitored(ctx, s.Base, "names", func(ctx context.Context) ([]string, error) {
		store, err := s.current()
		if err != nil {
			return nil, err
		}
		return store.Names(ctx, since)
	})
}

// Ping checks the connection. It fails when the service is not running.
func (s *Service) Ping(ctx context.Context) error {
	return s.Execute(ctx, func(ctx context.Context) error {
		store, err := s.current()
		if err != nil {
			return err
		}
		return store.Ping(ctx)
	})
}

var _ telemetry.Publisher = (*Service)(nil)
