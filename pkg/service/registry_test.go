package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmatc13/svckit/pkg/errors"
)

func TestRegistry_StartAllInDependencyOrder(t *testing.T) {
	ctx := context.Background()
	log := &orderLog{}
	reg := NewRegistry(nil)

	api := newRecorder("api", log, WithDependencies("store", "publisher"))
	store := newRecorder("store", log, WithDependencies("publisher", "external"))
	publisher := newRecorder("publisher", log)

	for _, s := range []Service{api, store, publisher} {
		require.NoError(t, reg.Register(s))
	}
	assert.Equal(t, []string{"api", "publisher", "store"}, reg.Names())

	order, err := reg.Order()
	require.NoError(t, err)
	assert.Equal(t, []string{"publisher", "store", "api"}, order)

	require.NoError(t, reg.StartAll(ctx))
	for name, state := range reg.States() {
		assert.Equal(t, StateRunning, state, name)
	}
	for name, err := range reg.HealthCheck() {
		assert.NoError(t, err, name)
	}

	require.NoError(t, reg.StopAll(ctx, time.Second))
	assert.Equal(t, []string{
		"start publisher", "start store", "start api",
		"stop api", "stop store", "stop publisher",
	}, log.get())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(New("svc")))

	err := reg.Register(New("svc"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyExists)

	_, err = reg.Get("missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	s, err := reg.Get("svc")
	require.NoError(t, err)
	assert.Equal(t, "svc", s.Name())
}

func TestRegistry_CycleDetected(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(New("a", WithDependencies("b"))))
	require.NoError(t, reg.Register(New("b", WithDependencies("a"))))

	err := reg.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}

func TestRegistry_StartAllStopsAtFirstFailure(t *testing.T) {
	ctx := context.Background()
	log := &orderLog{}
	reg := NewRegistry(nil)

	first := newRecorder("a", log)
	broken := newRecorder("b", log, WithDependencies("a"))
	broken.startErr = errors.New("no config")
	last := newRecorder("c", log, WithDependencies("b"))
	for _, s := range []Service{first, broken, last} {
		require.NoError(t, reg.Register(s))
	}

	err := reg.StartAll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, broken.startErr)
	assert.Equal(t, StateStopped, last.State())
	assert.Equal(t, StateRunning, first.State())
}

func TestRegistry_StopAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	log := &orderLog{}
	reg := NewRegistry(nil)

	a := newRecorder("a", log)
	b := newRecorder("b", log, WithDependencies("a"))
	b.stopErr = errors.New("b stuck")
	c := newRecorder("c", log, WithDependencies("b"))
	c.stopPanic = "c exploded"
	for _, s := range []Service{a, b, c} {
		require.NoError(t, reg.Register(s))
	}
	require.NoError(t, reg.StartAll(ctx))

	err := reg.StopAll(ctx, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, b.stopErr)
	assert.Contains(t, err.Error(), "c exploded")

	assert.Equal(t, StateStopFailed, c.State())
	assert.Equal(t, StateStopFailed, b.State())
	assert.Equal(t, StateStopped, a.State())
}

func TestRegistry_StopAllReportsServicesStillHeld(t *testing.T) {
	ctx := context.Background()
	log := &orderLog{}
	reg := NewRegistry(nil)

	store := newRecorder("store", log)
	api := newRecorder("api", log, WithDependencies("store"))
	require.NoError(t, reg.Register(store))
	require.NoError(t, reg.Register(api))
	require.NoError(t, reg.StartAll(ctx))

	// A start taken outside the registry keeps the store running.
	require.NoError(t, store.Start(ctx))

	err := reg.StopAll(ctx, 0)
	require.Error(t, err)
	assert.True(t, errors.IsOperationError(err))
	assert.Contains(t, err.Error(), "service store is still RUNNING after stop with 1 unreleased starts")
	assert.NotContains(t, err.Error(), "service api")

	assert.Equal(t, StateStopped, api.State())
	assert.Equal(t, StateRunning, store.State())
	assert.Equal(t, 1, store.RefCount())

	require.NoError(t, store.StopImmediate(ctx))
	assert.Equal(t, StateStopped, store.State())
}

func TestRegistry_HealthTimeout(t *testing.T) {
	reg := NewRegistry(nil)
	reg.SetHealthTimeout(10 * time.Millisecond)
	require.NoError(t, reg.Register(&unhealthy{Base: New("sick")}))

	err := reg.StartAll(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrTimeout)
}

type unhealthy struct{ *Base }

func (u *unhealthy) Health() error { return errors.ErrUnavailable }

func TestDescribe(t *testing.T) {
	ctx := context.Background()
	child := New("child")
	parent := New("parent", WithSubServices(child), WithDependencies("db"))
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(parent))

	info, err := reg.Describe("parent")
	require.NoError(t, err)
	assert.Equal(t, "STOPPED", info.State)
	assert.False(t, info.Healthy)
	assert.NotEmpty(t, info.Error)

	require.NoError(t, parent.Start(ctx))
	infos := reg.DescribeAll()
	require.Len(t, infos, 1)
	info = infos[0]
	assert.Equal(t, "RUNNING", info.State)
	assert.True(t, info.Healthy)
	require.NotNil(t, info.RefCount)
	assert.Equal(t, 1, *info.RefCount)
	require.NotNil(t, info.InFlight)
	assert.Zero(t, *info.InFlight)
	assert.Equal(t, []string{"child"}, info.SubServices)
	assert.Equal(t, []string{"db"}, info.Dependencies)
}
