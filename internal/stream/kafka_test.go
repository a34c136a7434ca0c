package stream

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/service"
	"github.com/cmatc13/svckit/pkg/telemetry"
)

type fakeProducer struct {
	mu        sync.Mutex
	messages  []*kafka.Message
	events    chan kafka.Event
	failWith  error
	hold      bool
	remaining int
	closed    bool
	metadata  *kafka.Metadata
	mdErr     error
}

func newFakeProducer() *fakeProducer {
	return &fakeProducer{events: make(chan kafka.Event, 8)}
}

func (f *fakeProducer) Produce(msg *kafka.Message, delivery chan kafka.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, msg)
	if f.hold {
		return nil
	}
	report := *msg
	report.TopicPartition.Error = f.failWith
	delivery <- &report
	return nil
}

func (f *fakeProducer) Events() chan kafka.Event { return f.events }

func (f *fakeProducer) Flush(int) int { return f.remaining }

func (f *fakeProducer) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	if f.mdErr != nil {
		return nil, f.mdErr
	}
	if f.metadata != nil {
		return f.metadata, nil
	}
	return &kafka.Metadata{
		Brokers: []kafka.BrokerMetadata{{ID: 1, Host: "k1", Port: 9092}},
		Topics:  map[string]kafka.TopicMetadata{*topic: {Topic: *topic}},
	}, nil
}

func (f *fakeProducer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.events)
	}
}

func factory(f *fakeProducer) ProducerFactory {
	return func(cfg *kafka.ConfigMap) (Producer, error) {
		v, err := cfg.Get("bootstrap.servers", "")
		if err != nil {
			return nil, err
		}
		if v == "" {
			return nil, errors.New("no brokers")
		}
		return f, nil
	}
}

func TestPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProducer()
	p := NewPublisher(Config{Brokers: "k1:9092", Topic: "telemetry"}, nil, factory(fp))

	require.NoError(t, p.Start(ctx))
	info := telemetry.NewInfoAt("mailer.send", time.UnixMilli(99))
	require.NoError(t, info.Set(telemetry.AttrOKCount, int64(4)))
	require.NoError(t, p.Publish(ctx, info))

	require.Len(t, fp.messages, 1)
	msg := fp.messages[0]
	assert.Equal(t, "telemetry", *msg.TopicPartition.Topic)
	assert.Equal(t, []byte("mailer.send"), msg.Key)
	assert.Equal(t, time.UnixMilli(99), msg.Timestamp)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, 4.0, decoded[telemetry.AttrOKCount])

	r, ok := p.WorkMonitor().Roll().Record("publish")
	require.True(t, ok)
	assert.Equal(t, int64(1), r.OKCount)

	require.NoError(t, p.StopImmediate(ctx))
	assert.True(t, fp.closed)
	assert.Equal(t, service.StateStopped, p.State())
}

func TestPublisher_DeliveryFailure(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProducer()
	fp.failWith = kafka.NewError(kafka.ErrMsgTimedOut, "timed out", false)
	p := NewPublisher(Config{Brokers: "k1:9092", Topic: "telemetry"}, nil, factory(fp))
	require.NoError(t, p.Start(ctx))

	err := p.Publish(ctx, telemetry.NewInfo("x"))
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err, errors.StorageErrWrite))
	require.NoError(t, p.StopImmediate(ctx))
}

func TestPublisher_StopInterruptsPendingDelivery(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProducer()
	fp.hold = true
	p := NewPublisher(Config{Brokers: "k1:9092", Topic: "telemetry"}, nil, factory(fp))
	require.NoError(t, p.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- p.Publish(ctx, telemetry.NewInfo("x")) }()
	require.Eventually(t, func() bool { return p.InFlight() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, p.Stop(ctx, 10*time.Millisecond))
	err := <-done
	assert.True(t, errors.IsStateError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPublisher_UndeliveredOnStopFails(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProducer()
	fp.remaining = 3
	p := NewPublisher(Config{Brokers: "k1:9092", Topic: "telemetry"}, nil, factory(fp))
	require.NoError(t, p.Start(ctx))

	err := p.StopImmediate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "3 telemetry messages were not delivered")
	assert.Equal(t, service.StateStopFailed, p.State())
}

func TestPublisher_StartFailure(t *testing.T) {
	p := NewPublisher(Config{Topic: "telemetry"}, nil, factory(newFakeProducer()))
	err := p.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err, errors.StorageErrConnection))
	assert.Equal(t, service.StateStopped, p.State())
}

func TestPublisher_Ping(t *testing.T) {
	ctx := context.Background()
	fp := newFakeProducer()
	p := NewPublisher(Config{Brokers: "k1:9092", Topic: "telemetry"}, nil, factory(fp))

	// Not running yet.
	assert.True(t, errors.IsStateError(p.Ping(ctx)))

	require.NoError(t, p.Start(ctx))
	defer p.StopImmediate(ctx)
	assert.NoError(t, p.Ping(ctx))

	fp.metadata = &kafka.Metadata{}
	err := p.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no Kafka brokers available at k1:9092")

	fp.metadata = &kafka.Metadata{
		Brokers: []kafka.BrokerMetadata{{ID: 1, Host: "k1", Port: 9092}},
		Topics: map[string]kafka.TopicMetadata{
			"telemetry": {Topic: "telemetry", Error: kafka.NewError(kafka.ErrUnknownTopicOrPart, "unknown topic", false)},
		},
	}
	err = p.Ping(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsStorageError(err, errors.StorageErrConnection))
	assert.Contains(t, err.Error(), "Kafka topic telemetry unavailable")

	fp.metadata = nil
	fp.mdErr = kafka.NewError(kafka.ErrTransport, "broker down", false)
	err = p.Ping(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to fetch Kafka metadata from k1:9092")
}
