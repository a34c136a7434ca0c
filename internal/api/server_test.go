package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/cmatc13/svckit/internal/intervention"
	"github.com/cmatc13/svckit/pkg/config"
	"github.com/cmatc13/svckit/pkg/health"
	"github.com/cmatc13/svckit/pkg/metrics"
	"github.com/cmatc13/svckit/pkg/service"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type fixture struct {
	server   *Server
	registry *service.Registry
	mailer   *service.Base
	journal  *intervention.Journal
	health   *health.Registry
}

func testAdminConfig() config.AdminConfig {
	return config.AdminConfig{
		Addr:            "127.0.0.1:0",
		TokenExpiry:     time.Hour,
		RateLimit:       1000,
		ShutdownTimeout: time.Second,
	}
}

func newFixture(t *testing.T, cfg config.AdminConfig, start bool) *fixture {
	t.Helper()

	f := &fixture{
		registry: service.NewRegistry(nil),
		mailer:   service.New("mailer"),
		journal:  intervention.NewJournal(8, nil),
		health:   health.NewRegistry(nil),
	}
	require.NoError(t, f.registry.Register(f.mailer))
	f.health.Register("mailer", health.LifecycleChecker("mailer",
		func() string { return f.mailer.State().String() }, f.mailer.Health))

	srv, err := NewServer(cfg, Deps{
		Registry:  f.registry,
		Health:    f.health,
		Metrics:   metrics.New(metrics.Config{Namespace: "test"}),
		Journal:   f.journal,
		StopGrace: time.Second,
	}, nil)
	require.NoError(t, err)
	require.NoError(t, f.registry.Register(srv))
	f.server = srv

	if start {
		require.NoError(t, srv.Start(context.Background()))
		t.Cleanup(func() {
			_ = srv.StopImmediate(context.Background())
		})
	}
	return f
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(testAdminConfig(), Deps{}, nil)
	assert.Error(t, err)
}

func TestServer_RefusesRequestsWhenStopped(t *testing.T) {
	f := newFixture(t, testAdminConfig(), false)

	rec, env := f.do(t, http.MethodGet, "/services", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, env.Success)
	assert.Equal(t, "admin API is not accepting requests", env.Error)

	rec, _ = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_ListAndDescribeServices(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)

	rec, env := f.do(t, http.MethodGet, "/services", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	var infos []service.Info
	require.NoError(t, json.Unmarshal(env.Data, &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, ServiceName, infos[0].Name)
	assert.Equal(t, "RUNNING", infos[0].State)
	assert.Equal(t, "mailer", infos[1].Name)
	assert.Equal(t, "STOPPED", infos[1].State)

	rec, env = f.do(t, http.MethodGet, "/services/mailer", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info service.Info
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "mailer", info.Name)
	assert.False(t, info.Healthy)

	rec, env = f.do(t, http.MethodGet, "/services/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, `Unknown service "nope"`, env.Error)
}

func TestServer_StartAndStopService(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)

	rec, env := f.do(t, http.MethodPost, "/services/mailer/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	assert.Equal(t, service.StateRunning, f.mailer.State())

	// A second start takes another reference.
	rec, _ = f.do(t, http.MethodPost, "/services/mailer/start", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, f.mailer.RefCount())

	rec, _ = f.do(t, http.MethodPost, "/services/mailer/stop?grace=0s", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, service.StateRunning, f.mailer.State())

	rec, env = f.do(t, http.MethodPost, "/services/mailer/stop", "", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	assert.Equal(t, service.StateStopped, f.mailer.State())

	var info service.Info
	require.NoError(t, json.Unmarshal(env.Data, &info))
	assert.Equal(t, "STOPPED", info.State)
	assert.Empty(t, f.server.Held())
}

func TestServer_ReleasesHeldStartsOnStop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testAdminConfig(), true)

	for i := 0; i < 2; i++ {
		rec, env := f.do(t, http.MethodPost, "/services/mailer/start", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, env.Error)
	}
	rec, _ := f.do(t, http.MethodPost, "/services/mailer/stop?grace=0s", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, map[string]int{"mailer": 1}, f.server.Held())
	assert.Equal(t, service.StateRunning, f.mailer.State())

	require.NoError(t, f.server.StopImmediate(ctx))
	assert.Equal(t, service.StateStopped, f.mailer.State())
	assert.Equal(t, 0, f.mailer.RefCount())
	assert.Empty(t, f.server.Held())
}

func TestServer_StopAllReleasesStartsTakenOnRequest(t *testing.T) {
	ctx := context.Background()
	registry := service.NewRegistry(nil)
	mailer := service.New("mailer")
	require.NoError(t, registry.Register(mailer))

	srv, err := NewServer(testAdminConfig(), Deps{Registry: registry}, nil,
		service.WithDependencies("mailer"))
	require.NoError(t, err)
	require.NoError(t, registry.Register(srv))
	require.NoError(t, registry.StartAll(ctx))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/services/mailer/start", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 2, mailer.RefCount())

	require.NoError(t, registry.StopAll(ctx, 0))
	assert.Equal(t, service.StateStopped, mailer.State())
	assert.Equal(t, 0, mailer.RefCount())
	assert.Equal(t, service.StateStopped, srv.State())
}

func TestServer_StopServiceValidation(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)

	rec, env := f.do(t, http.MethodPost, "/services/mailer/stop?grace=soon", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, env.Error, "Invalid grace period")

	rec, env = f.do(t, http.MethodPost, "/services/"+ServiceName+"/stop", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "The admin API cannot stop itself", env.Error)
	assert.Equal(t, service.StateRunning, f.server.State())

	rec, env = f.do(t, http.MethodPost, "/services/"+ServiceName+"/start", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "The admin API cannot start itself", env.Error)
	assert.Equal(t, 1, f.server.RefCount())
	assert.Empty(t, f.server.Held())
}

func TestServer_StartFailureMapsToStatus(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)

	failing := service.New("broken", service.WithOnStop(func(context.Context) error {
		return assert.AnError
	}))
	require.NoError(t, f.registry.Register(failing))
	require.NoError(t, failing.Start(context.Background()))
	require.Error(t, failing.StopImmediate(context.Background()))
	require.Equal(t, service.StateStopFailed, failing.State())

	// Starting a service whose stop failed is a state conflict.
	rec, env := f.do(t, http.MethodPost, "/services/broken/start", "", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, env.Error, "previous stop operation failed")
}

func TestServer_Health(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)

	rec, env := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "DOWN")

	require.NoError(t, f.mailer.Start(context.Background()))
	t.Cleanup(func() { _ = f.mailer.StopImmediate(context.Background()) })

	rec, env = f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	var data struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, "UP", data.Status)
	assert.Equal(t, "RUNNING", data.Services["mailer"])
}

func TestServer_Interventions(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)
	f.journal.RecordInterventionRequest("mailer", "stop failed: boom")

	rec, env := f.do(t, http.MethodGet, "/interventions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var data struct {
		Total    int                    `json:"total"`
		Requests []intervention.Request `json:"requests"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &data))
	assert.Equal(t, 1, data.Total)
	require.Len(t, data.Requests, 1)
	assert.Equal(t, "mailer", data.Requests[0].Service)
}

func TestServer_Authentication(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)

	cfg := testAdminConfig()
	cfg.Username = "ops"
	cfg.PasswordHash = string(hash)
	cfg.JWTSecret = "test-secret"
	f := newFixture(t, cfg, true)

	rec, _ := f.do(t, http.MethodGet, "/services", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec, env := f.do(t, http.MethodPost, "/login", "", map[string]string{"username": "ops", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Invalid credentials", env.Error)

	rec, env = f.do(t, http.MethodPost, "/login", "", map[string]string{"username": "ops", "password": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code, env.Error)

	var login struct {
		Token     string `json:"token"`
		ExpiresAt int64  `json:"expires_at"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &login))
	require.NotEmpty(t, login.Token)
	assert.Greater(t, login.ExpiresAt, time.Now().Unix())

	rec, env = f.do(t, http.MethodGet, "/services", login.Token, nil)
	assert.Equal(t, http.StatusOK, rec.Code, env.Error)

	// Tokens without the admin role are rejected.
	_, userToken, err := f.server.tokenAuth.Encode(map[string]interface{}{"sub": "ops", "role": "user"})
	require.NoError(t, err)
	rec, _ = f.do(t, http.MethodGet, "/services", userToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Health stays public.
	rec, _ = f.do(t, http.MethodGet, "/health", "", nil)
	assert.NotEqual(t, http.StatusUnauthorized, rec.Code)
}

func TestServer_LoginUnavailableWithoutAuth(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)

	rec, _ := f.do(t, http.MethodPost, "/login", "", map[string]string{"username": "ops", "password": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_ListensAndShutsDown(t *testing.T) {
	f := newFixture(t, testAdminConfig(), false)
	require.NoError(t, f.server.Start(context.Background()))

	addr := f.server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, f.server.StopImmediate(context.Background()))
	assert.Equal(t, service.StateStopped, f.server.State())
	assert.Empty(t, f.server.Addr())

	_, err = http.Get("http://" + addr + "/metrics")
	assert.Error(t, err)
}

func TestServer_RecordsRequestWork(t *testing.T) {
	f := newFixture(t, testAdminConfig(), true)

	f.do(t, http.MethodGet, "/services", "", nil)
	f.do(t, http.MethodGet, "/services/nope", "", nil)

	c := f.server.WorkMonitor().Roll()
	list, ok := c.Record("list_services")
	require.True(t, ok)
	assert.Equal(t, int64(1), list.OKCount)

	get, ok := c.Record("get_service")
	require.True(t, ok)
	assert.Equal(t, int64(1), get.ErrorCount)
}
