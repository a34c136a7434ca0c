// Package stream publishes telemetry to a Kafka topic.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/logging"
	"github.com/cmatc13/svckit/pkg/service"
	"github.com/cmatc13/svckit/pkg/telemetry"
)

// ServiceName is the registry name of the Kafka telemetry publisher.
const ServiceName = "kafka-telemetry"

// Producer is the part of *kafka.Producer the publisher uses.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
}

// ProducerFactory creates a Producer from a librdkafka configuration.
type ProducerFactory func(cfg *kafka.ConfigMap) (Producer, error)

func newKafkaProducer(cfg *kafka.ConfigMap) (Producer, error) {
	return kafka.NewProducer(cfg)
}

// Config holds the Kafka settings.
type Config struct {
	Brokers      string
	Topic        string
	FlushTimeout time.Duration
}

// Publisher produces every telemetry Info as a JSON message keyed by name. It
// holds a producer only while running; Publish waits for the delivery report.
type Publisher struct {
	*service.Base

	cfg         Config
	logger      *logging.Logger
	newProducer ProducerFactory

	mu       sync.RWMutex
	producer Producer
}

// NewPublisher creates a stopped Kafka publisher. A nil factory uses librdkafka.
func NewPublisher(cfg Config, logger *logging.Logger, factory ProducerFactory, opts ...service.Option) *Publisher {
	if logger == nil {
		logger = logging.Nop()
	}
	if factory == nil {
		factory = newKafkaProducer
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 15 * time.Second
	}
	p := &Publisher{
		cfg:         cfg,
		logger:      logger.WithField("component", ServiceName),
		newProducer: factory,
	}
	opts = append([]service.Option{service.WithLogger(logger)}, opts...)
	p.Base = service.New(ServiceName, append(opts, service.WithHooks(p))...)
	return p
}

// OnStart creates the producer.
func (p *Publisher) OnStart(context.Context) error {
	producer, err := p.newProducer(&kafka.ConfigMap{
		"bootstrap.servers": p.cfg.Brokers,
		"client.id":         "svckit",
		"acks":              "all",
	})
	if err != nil {
		return errors.StorageWrapWithCode(err, errors.OpConnect, errors.StorageErrConnection,
			"failed to create Kafka producer")
	}

	p.mu.Lock()
	p.producer = producer
	p.mu.Unlock()

	go p.logEvents(producer.Events())
	p.logger.Info("Kafka producer created", "brokers", p.cfg.Brokers, "topic", p.cfg.Topic)
	return nil
}

// OnStop flushes outstanding messages and closes the producer.
func (p *Publisher) OnStop(context.Context) error {
	p.mu.Lock()
	producer := p.producer
	p.producer = nil
	p.mu.Unlock()

	if producer == nil {
		return nil
	}

	remaining := producer.Flush(int(p.cfg.FlushTimeout.Milliseconds()))
	producer.Close()
	if remaining > 0 {
		return errors.NewStorageError(errors.StorageErrWrite,
			errors.Sprintf("%d telemetry messages were not delivered", remaining), nil)
	}
	return nil
}

// Ping asks the brokers for the metadata of the telemetry topic. It fails when
// the publisher is not running, no broker answers before ctx is done (5s
// without a deadline), or the topic reports an error.
func (p *Publisher) Ping(ctx context.Context) error {
	return p.Execute(ctx, func(ctx context.Context) error {
		p.mu.RLock()
		producer := p.producer
		p.mu.RUnlock()
		if producer == nil {
			return errors.StorageWrapWithCode(errors.ErrUnavailable, errors.OpConnect, errors.StorageErrConnection,
				"Kafka producer closed")
		}

		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if timeout <= 0 {
			return ctx.Err()
		}

		topic := p.cfg.Topic
		md, err := producer.GetMetadata(&topic, false, int(timeout.Milliseconds()))
		if err != nil {
			return errors.StorageWrapWithCode(err, errors.OpConnect, errors.StorageErrConnection,
				"failed to fetch Kafka metadata from "+p.cfg.Brokers)
		}
		if len(md.Brokers) == 0 {
			return errors.NewStorageError(errors.StorageErrConnection, "no Kafka brokers available at "+p.cfg.Brokers, nil)
		}
		if tm, ok := md.Topics[topic]; ok && tm.Error.Code() != kafka.ErrNoError {
			return errors.StorageWrapWithCode(tm.Error, errors.OpConnect, errors.StorageErrConnection,
				"Kafka topic "+topic+" unavailable")
		}
		return nil
	})
}

// logEvents drains producer events that are not delivery reports of Publish.
func (p *Publisher) logEvents(events chan kafka.Event) {
	for e := range events {
		switch ev := e.(type) {
		case kafka.Error:
			p.logger.WithError(ev).Error("Kafka producer error", "code", ev.Code().String())
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				p.logger.WithError(ev.TopicPartition.Error).Warn("Kafka delivery failed")
			}
		default:
			p.logger.Debug("Kafka event", "event", ev.String())
		}
	}
}

// Publish implements telemetry.Publisher.
func (p *Publisher) Publish(ctx context.Context, info *telemetry.Info) error {
	return p.ExecuteMonitored(ctx, "publish", func(ctx context.Context) error {
		p.mu.RLock()
		producer := p.producer
		p.mu.RUnlock()
		if producer == nil {
			return errors.StorageWrapWithCode(errors.ErrUnavailable, errors.OpPublish, errors.StorageErrConnection,
				"Kafka producer closed")
		}

		value, err := json.Marshal(info)
		if err != nil {
			return errors.StorageWrapWithCode(err, errors.OpSerialize, errors.StorageErrSerialization,
				"failed to encode telemetry "+info.Name())
		}

		topic := p.cfg.Topic
		delivery := make(chan kafka.Event, 1)
		err = producer.Produce(&kafka.Message{
			TopicPartition: kafka.TopicPartition{
				Topic:     &topic,
				Partition: kafka.PartitionAny,
			},
			Key:       []byte(info.Name()),
			Value:     value,
			Timestamp: info.CreatedAt(),
		}, delivery)
		if err != nil {
			return errors.StorageWrapWithCode(err, errors.OpPublish, errors.StorageErrWrite,
				"failed to produce telemetry "+info.Name())
		}

		select {
		case e := <-delivery:
			if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
				return errors.StorageWrapWithCode(m.TopicPartition.Error, errors.OpPublish, errors.StorageErrWrite,
					"telemetry delivery failed for "+info.Name())
			}
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

var _ telemetry.Publisher = (*Publisher)(nil)
