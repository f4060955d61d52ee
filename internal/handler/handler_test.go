package handler

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/xenking/keychain/internal/domain/keychain"
)

// --- Mock implementations ---

type memStore struct {
	mu       sync.Mutex
	keys     []keychain.Descriptor
	writeErr error
}

func (m *memStore) Read(_ context.Context) ([]keychain.Descriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys, nil
}

func (m *memStore) Write(_ context.Context, keys []keychain.Descriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	m.keys = keys
	return nil
}

// --- Helpers ---

type testServer struct {
	mux    *http.ServeMux
	keys   *keychain.Registry
	store  *memStore
	reader *sdkmetric.ManualReader
}

func newTestServer(t *testing.T, cfg Config, keys ...keychain.Descriptor) *testServer {
	t.Helper()
	store := &memStore{}
	reg := keychain.NewRegistry(store)
	for _, d := range keys {
		_, err := reg.Add(context.Background(), d)
		require.NoError(t, err)
	}

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	h, err := New(cfg, reg, keychain.NewVerifier(reg), mp.Meter("keychain"))
	require.NoError(t, err)

	mux := http.NewServeMux()
	h.Register(mux)
	return &testServer{mux: mux, keys: reg, store: store, reader: reader}
}

func (s *testServer) do(method, path string, body any, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

// counter sums the data points of the named counter whose attributes
// include every key/value pair in attrs.
func (s *testServer) counter(t *testing.T, name string, attrs ...attribute.KeyValue) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, s.reader.Collect(context.Background(), &rm))

	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
		points:
			for _, dp := range sum.DataPoints {
				for _, kv := range attrs {
					if v, ok := dp.Attributes.Value(kv.Key); !ok || v.Emit() != kv.Value.Emit() {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

func hmacToken(secret, id string) string {
	return "hmac." + id + "." + string(keychain.SignHMAC([]byte(secret), id))
}

func hmacKey(secret string, perms ...string) keychain.Descriptor {
	return keychain.Descriptor{Scheme: keychain.SchemeHMAC, Material: []byte(secret), Permissions: perms}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

// --- Tests ---

func TestVerify(t *testing.T) {
	s := newTestServer(t, Config{}, hmacKey("secret1", "read"))
	const sig = "FDW1FapONCg1vXpewH6IC8JcWmkaO3PnWVyjL5L4GvM="

	tests := []struct {
		name   string
		body   any
		header []string
		want   []string
	}{
		{name: "body token", body: verifyRequest{Token: "hmac.user42." + sig + "."}, want: []string{"read"}},
		{name: "bearer token", header: []string{"Authorization", "Bearer hmac.user42." + sig}, want: []string{"read"}},
		{name: "tampered", body: verifyRequest{Token: "hmac.user42.AAAA" + sig[4:]}, want: []string{}},
		{name: "garbage", body: verifyRequest{Token: "not-a-token"}, want: []string{}},
		{name: "no token", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/auth/verify", tt.body, tt.header...)
			require.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.want, decode[verifyResponse](t, w).Permissions)
		})
	}

	assert.EqualValues(t, 2, s.counter(t, "keychain.verify", attribute.String("outcome", "granted")))
	assert.EqualValues(t, 1, s.counter(t, "keychain.verify", attribute.String("reason", "invalid_signature")))
	assert.EqualValues(t, 2, s.counter(t, "keychain.verify", attribute.String("reason", "malformed")))
}

func TestVerify_InvalidBody(t *testing.T) {
	s := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodPost, "/auth/verify", bytes.NewBufferString(`{"token":`))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, http.StatusBadRequest, decode[errorResponse](t, w).Code)
}

func TestKeyLifecycle(t *testing.T) {
	s := newTestServer(t, Config{})
	token := hmacToken("secret1", "svc")

	w := s.do(http.MethodPost, "/auth/keys/add", addKeyRequest{Key: "secret1", Type: "hmac", Permissions: []string{"read"}})
	require.Equal(t, http.StatusOK, w.Code)
	fp := decode[addKeyResponse](t, w).Fingerprint
	assert.Equal(t, keychain.FingerprintOf(keychain.SchemeHMAC, []byte("secret1")).String(), fp)
	assert.Equal(t, []string{"read"}, decode[verifyResponse](t, s.do(http.MethodPost, "/auth/verify", verifyRequest{Token: token})).Permissions)

	w = s.do(http.MethodPost, "/auth/permissions/add", permissionsRequest{Key: fp, Permissions: []string{"write"}})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"read", "write"}, decode[verifyResponse](t, s.do(http.MethodPost, "/auth/verify", verifyRequest{Token: token})).Permissions)

	w = s.do(http.MethodPost, "/auth/permissions/remove", permissionsRequest{Key: fp, Permissions: []string{"read"}})
	require.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodGet, "/auth/keys", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, listKeysResponse{Keys: []keyView{
		{Fingerprint: fp, Scheme: "hmac", Permissions: []string{"write"}},
	}}, decode[listKeysResponse](t, w))

	w = s.do(http.MethodPost, "/auth/keys/remove", removeKeyRequest{Key: fp})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, s.keys.Len())
	assert.Empty(t, s.store.keys)
	assert.Equal(t, []string{}, decode[verifyResponse](t, s.do(http.MethodPost, "/auth/verify", verifyRequest{Token: token})).Permissions)

	assert.EqualValues(t, 4, s.counter(t, "keychain.registry.mutations", attribute.String("result", "ok")))
}

func TestAddKey_Public(t *testing.T) {
	s := newTestServer(t, Config{})
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/auth/keys/add", addKeyRequest{
		Key:         base64.StdEncoding.EncodeToString(der),
		Type:        "public",
		Permissions: []string{"deploy"},
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, keychain.FingerprintOf(keychain.SchemePublic, der).String(), decode[addKeyResponse](t, w).Fingerprint)
}

func TestAddKey_BadRequest(t *testing.T) {
	s := newTestServer(t, Config{})

	tests := []struct {
		name string
		req  addKeyRequest
	}{
		{name: "unknown type", req: addKeyRequest{Key: "secret", Type: "rot13"}},
		{name: "empty secret", req: addKeyRequest{Key: "", Type: "hmac"}},
		{name: "public not base64", req: addKeyRequest{Key: "!!!", Type: "public"}},
		{name: "public not a key", req: addKeyRequest{Key: base64.StdEncoding.EncodeToString([]byte("nope")), Type: "public"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodPost, "/auth/keys/add", tt.req)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.NotEmpty(t, decode[errorResponse](t, w).Message)
		})
	}
	assert.Zero(t, s.keys.Len())
}

func TestMutation_PersistFailure(t *testing.T) {
	s := newTestServer(t, Config{}, hmacKey("secret1", "read"))
	s.store.writeErr = errors.New("disk full")
	fp := keychain.FingerprintOf(keychain.SchemeHMAC, []byte("secret1")).String()

	w := s.do(http.MethodPost, "/auth/keys/add", addKeyRequest{Key: "secret2", Type: "hmac"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	w = s.do(http.MethodPost, "/auth/permissions/add", permissionsRequest{Key: fp, Permissions: []string{"write"}})
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	rec, ok := s.keys.Get(keychain.Fingerprint(fp))
	require.True(t, ok)
	assert.Equal(t, []string{"read"}, rec.Permissions)
	assert.Equal(t, 1, s.keys.Len())
	assert.EqualValues(t, 2, s.counter(t, "keychain.registry.mutations", attribute.String("result", "error")))
}

func TestRemoveKey_Unknown(t *testing.T) {
	s := newTestServer(t, Config{})
	w := s.do(http.MethodPost, "/auth/keys/remove", removeKeyRequest{Key: "hmac.deadbeef"})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(http.MethodPost, "/auth/keys/remove", removeKeyRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdminPermission(t *testing.T) {
	s := newTestServer(t, Config{AdminPermission: "keys:admin"},
		hmacKey("root", "keys:admin"),
		hmacKey("reader", "read"),
	)

	tests := []struct {
		name   string
		header []string
		want   int
	}{
		{name: "no token", want: http.StatusUnauthorized},
		{name: "not bearer", header: []string{"Authorization", "Basic " + hmacToken("root", "ops")}, want: http.StatusUnauthorized},
		{name: "missing permission", header: []string{"Authorization", "Bearer " + hmacToken("reader", "ops")}, want: http.StatusUnauthorized},
		{name: "admin", header: []string{"Authorization", "Bearer " + hmacToken("root", "ops")}, want: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(http.MethodGet, "/auth/keys", nil, tt.header...)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := s.do(http.MethodPost, "/auth/verify", verifyRequest{Token: hmacToken("reader", "svc")})
	assert.Equal(t, http.StatusOK, w.Code, "verify stays open")
}

func TestDenyReason(t *testing.T) {
	assert.Equal(t, "none", denyReason(nil))
	assert.Equal(t, "expired", denyReason(errors.Wrap(keychain.ErrExpired, "check")))
	assert.Equal(t, "unknown_key", denyReason(keychain.ErrUnknownKey))
	assert.Equal(t, "unsupported_scheme", denyReason(keychain.ErrUnsupportedScheme))
	assert.Equal(t, "other", denyReason(errors.New("boom")))
}
