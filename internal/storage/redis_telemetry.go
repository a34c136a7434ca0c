// Package storage keeps published telemetry in Redis.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/cmatc13/svckit/pkg/errors"
	"github.com/cmatc13/svckit/pkg/telemetry"
)

const (
	// Telemetry hash key prefix, one hash per telemetry name
	telemetryKeyPrefix = "telemetry:"

	// Sorted set of telemetry names scored by last publication time (ms)
	telemetryIndexKey = "telemetry:index"
)

// TelemetryStore writes telemetry to Redis as one hash per name, plus an index
// of names by their latest publication time.
type TelemetryStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewTelemetryStore creates a store using client. Keys are prefixed with
// prefix; hashes expire after ttl when ttl is positive.
func NewTelemetryStore(client *redis.Client, prefix string, ttl time.Duration) *TelemetryStore {
	return &TelemetryStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *TelemetryStore) key(name string) string {
	return s.prefix + telemetryKeyPrefix + name
}

func (s *TelemetryStore) indexKey() string {
	return s.prefix + telemetryIndexKey
}

// Publish implements telemetry.Publisher.
func (s *TelemetryStore) Publish(ctx context.Context, info *telemetry.Info) error {
	fields, err := hashFields(info)
	if err != nil {
		return errors.StorageWrapWithCode(err, errors.OpSerialize, errors.StorageErrSerialization,
			"failed to encode telemetry "+info.Name())
	}

	key := s.key(info.Name())
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	pipe.ZAdd(ctx, s.indexKey(), &redis.Z{
		Score:  float64(info.CreatedAt().UnixMilli()),
		Member: info.Name(),
	})

	if _, err := pipe.Exec(ctx); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpPublish, errors.StorageErrWrite,
			"failed to store telemetry "+info.Name())
	}
	return nil
}

// Latest returns the attributes most recently published under name.
func (s *TelemetryStore) Latest(ctx context.Context, name string) (map[string]string, error) {
	attrs, err := s.client.HGetAll(ctx, s.key(name)).Result()
	if err != nil {
		return nil, errors.StorageWrapWithCode(err, errors.OpGet, errors.StorageErrRead,
			"failed to read telemetry "+name)
	}
	if len(attrs) == 0 {
		return nil, errors.StorageWrapWithCode(errors.ErrNotFound, errors.OpGet, errors.StorageErrNotFound,
			"no telemetry for "+name)
	}
	return attrs, nil
}

// Names returns the telemetry names published since the given time, oldest first.
func (s *TelemetryStore) Names(ctx context.Context, since time.Time) ([]string, error) {
	names, err := s.client.ZRangeByScore(ctx, s.indexKey(), &redis.ZRangeBy{
		Min: strconv.FormatInt(since.UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errors.StorageWrapWithCode(err, errors.OpList, errors.StorageErrRead,
			"failed to list telemetry names")
	}
	return names, nil
}

// Ping checks the connection.
func (s *TelemetryStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.StorageWrapWithCode(err, errors.OpConnect, errors.StorageErrConnection,
			"failed to connect to Redis")
	}
	return nil
}

// hashFields flattens the attributes of info into Redis hash values. Scalars
// are stored as is, anything else as JSON.
func hashFields(info *telemetry.Info) (map[string]interface{}, error) {
	attrs := info.Attributes()
	fields := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		switch val := v.(type) {
		case string, bool, int, int32, int64, uint, uint32, uint64, float32, float64:
			fields[k] = val
		case time.Duration:
			fields[k] = val.Milliseconds()
		case fmt.Stringer:
			fields[k] = val.String()
		default:
			b, err := json.Marshal(val)
			if err != nil {
				return nil, err
			}
			fields[k] = string(b)
		}
	}
	return fields, nil
}
