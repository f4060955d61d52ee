package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap/zaptest"

	"github.com/xenking/keychain/internal/domain/keychain"
	"github.com/xenking/keychain/internal/storage/file"
	"github.com/xenking/keychain/pkg/health"
)

// Response types are defined locally to keep these tests black-box.

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type permissionsResponse struct {
	Permissions []string `json:"permissions"`
}

type fingerprintResponse struct {
	Fingerprint string `json:"fingerprint"`
}

type testEnv struct {
	srv    *httptest.Server
	path   string
	health *health.Health
}

func newTestEnv(t *testing.T, cfg *Config, seed ...keychain.Descriptor) *testEnv {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "keychain.json")
	store := file.New(path)
	if len(seed) > 0 {
		require.NoError(t, store.Write(ctx, seed))
	}

	registry := keychain.NewRegistry(store)
	registry.Load(ctx)

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("store", time.Second, health.PingCheck(store))
	healthSvc.SetReady(true)

	routes, err := newRouter(zaptest.NewLogger(t), tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider(), cfg, registry, healthSvc)
	require.NoError(t, err)

	srv := httptest.NewServer(routes)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, path: path, health: healthSvc}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, bearer string) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func hmacToken(secret, id string) string {
	return "hmac." + id + "." + string(keychain.SignHMAC([]byte(secret), id))
}

func TestRouter_Health(t *testing.T) {
	env := newTestEnv(t, &Config{})

	resp := env.do(t, http.MethodGet, "/livez", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decodeJSON[healthResponse](t, resp).Status)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	env.health.SetReady(false)
	resp = env.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", decodeJSON[healthResponse](t, resp).Status)
}

func TestRouter_VerifyAndAdminister(t *testing.T) {
	env := newTestEnv(t, &Config{AdminPermission: "keys:admin"}, keychain.Descriptor{
		Scheme:      keychain.SchemeHMAC,
		Material:    []byte("root"),
		Permissions: []string{"keys:admin"},
	})
	admin := hmacToken("root", "ops")

	resp := env.do(t, http.MethodPost, "/auth/keys/add", map[string]any{
		"key": "secret1", "type": "hmac", "permissions": []string{"read"},
	}, "")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, http.StatusUnauthorized, decodeJSON[errorResponse](t, resp).Code)

	resp = env.do(t, http.MethodPost, "/auth/keys/add", map[string]any{
		"key": "secret1", "type": "hmac", "permissions": []string{"read"},
	}, admin)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	fp := decodeJSON[fingerprintResponse](t, resp).Fingerprint

	const token = "hmac.user42.FDW1FapONCg1vXpewH6IC8JcWmkaO3PnWVyjL5L4GvM=."
	resp = env.do(t, http.MethodPost, "/auth/verify", map[string]string{"token": token}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"read"}, decodeJSON[permissionsResponse](t, resp).Permissions)

	// The server persists every mutation; a fresh registry sees the key.
	reloaded := keychain.NewRegistry(file.New(env.path))
	require.NoError(t, reloaded.Reload(context.Background()))
	rec, ok := reloaded.Get(keychain.Fingerprint(fp))
	require.True(t, ok)
	assert.Equal(t, []string{"read"}, rec.Permissions)

	resp = env.do(t, http.MethodPost, "/auth/keys/remove", map[string]string{"key": fp}, admin)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/auth/verify", nil, token)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{}, decodeJSON[permissionsResponse](t, resp).Permissions)
}

func TestRouter_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, &Config{})
	resp := env.do(t, http.MethodGet, "/auth/verify", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
