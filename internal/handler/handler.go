// Package handler serves the keychain over HTTP: token verification for
// services in the mesh and key administration for operators.
package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/keychain/internal/domain/keychain"
)

// maxBodyBytes bounds request bodies; keys are at most a few KiB of SPKI.
const maxBodyBytes = 64 << 10

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// AdminPermission, when set, is the permission a bearer token must
	// grant to call the key administration routes. When empty the admin
	// routes are open and must be protected by the network.
	AdminPermission string
}

// Handler serves the verify and key administration routes.
type Handler struct {
	keys     *keychain.Registry
	verifier *keychain.Verifier
	admin    string
	metrics  *metrics
}

// New constructs a Handler. meter is used for the verification and registry
// mutation counters.
func New(cfg Config, keys *keychain.Registry, verifier *keychain.Verifier, meter metric.Meter) (*Handler, error) {
	m, err := newMetrics(meter)
	if err != nil {
		return nil, errors.Wrap(err, "create metrics")
	}
	return &Handler{
		keys:     keys,
		verifier: verifier,
		admin:    cfg.AdminPermission,
		metrics:  m,
	}, nil
}

// Register mounts the routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/verify", h.Verify)

	mux.Handle("GET /auth/keys", h.requireAdmin(h.ListKeys))
	mux.Handle("POST /auth/keys/add", h.requireAdmin(h.AddKey))
	mux.Handle("POST /auth/keys/remove", h.requireAdmin(h.RemoveKey))
	mux.Handle("POST /auth/permissions/add", h.requireAdmin(h.AddPermissions))
	mux.Handle("POST /auth/permissions/remove", h.requireAdmin(h.RemovePermissions))
}
