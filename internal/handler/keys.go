package handler

import (
	"context"
	"encoding/base64"
	"net/http"
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/keychain/internal/domain/keychain"
)

type addKeyRequest struct {
	Key         string   `json:"key"`
	Type        string   `json:"type"`
	Permissions []string `json:"permissions"`
}

type addKeyResponse struct {
	Fingerprint string `json:"fingerprint"`
}

type removeKeyRequest struct {
	Key string `json:"key"`
}

type permissionsRequest struct {
	Key         string   `json:"key"`
	Permissions []string `json:"permissions"`
}

type keyView struct {
	Fingerprint string   `json:"fingerprint"`
	Scheme      string   `json:"scheme"`
	Permissions []string `json:"permissions"`
}

type listKeysResponse struct {
	Keys []keyView `json:"keys"`
}

// requireAdmin rejects requests whose bearer token does not grant the
// configured admin permission.
func (h *Handler) requireAdmin(next http.HandlerFunc) http.Handler {
	if h.admin == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok || !slices.Contains(h.verifier.Verify(token), h.admin) {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	})
}

// ListKeys returns the fingerprint, scheme and permissions of every
// registered key. Key material is never returned.
func (h *Handler) ListKeys(w http.ResponseWriter, r *http.Request) {
	records := h.keys.List()
	resp := listKeysResponse{Keys: make([]keyView, 0, len(records))}
	for _, rec := range records {
		perms := rec.Permissions
		if perms == nil {
			perms = []string{}
		}
		resp.Keys = append(resp.Keys, keyView{
			Fingerprint: rec.Fingerprint.String(),
			Scheme:      string(rec.Scheme),
			Permissions: perms,
		})
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// AddKey registers a key. HMAC keys carry the secret as is; public keys
// carry a base64 DER SubjectPublicKeyInfo.
func (h *Handler) AddKey(w http.ResponseWriter, r *http.Request) {
	var req addKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	d, err := descriptorFromRequest(req)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fp, err := h.keys.Add(r.Context(), d)
	h.metrics.recordMutation(r.Context(), "add", err)
	if err != nil {
		h.mutationError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, addKeyResponse{Fingerprint: fp.String()})
}

func descriptorFromRequest(req addKeyRequest) (keychain.Descriptor, error) {
	scheme, err := keychain.ParseScheme(req.Type)
	if err != nil {
		return keychain.Descriptor{}, err
	}
	d := keychain.Descriptor{Scheme: scheme, Permissions: req.Permissions}
	switch scheme {
	case keychain.SchemePublic:
		der, err := base64.StdEncoding.DecodeString(req.Key)
		if err != nil {
			return keychain.Descriptor{}, errors.New("public key must be base64 DER")
		}
		d.Material = der
	default:
		d.Material = []byte(req.Key)
	}
	return d, nil
}

// RemoveKey unregisters the key with the given fingerprint.
func (h *Handler) RemoveKey(w http.ResponseWriter, r *http.Request) {
	var req removeKeyRequest
	if err := decodeBody(w, r, &req); err != nil || req.Key == "" {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	err := h.keys.Remove(r.Context(), keychain.Fingerprint(req.Key))
	h.metrics.recordMutation(r.Context(), "remove", err)
	if err != nil {
		h.mutationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddPermissions grants permissions to a registered key.
func (h *Handler) AddPermissions(w http.ResponseWriter, r *http.Request) {
	h.changePermissions(w, r, "grant", h.keys.AddPermissions)
}

// RemovePermissions revokes permissions from a registered key.
func (h *Handler) RemovePermissions(w http.ResponseWriter, r *http.Request) {
	h.changePermissions(w, r, "revoke", h.keys.RemovePermissions)
}

func (h *Handler) changePermissions(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	apply func(ctx context.Context, fp keychain.Fingerprint, perms []string) error,
) {
	var req permissionsRequest
	if err := decodeBody(w, r, &req); err != nil || req.Key == "" {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	err := apply(r.Context(), keychain.Fingerprint(req.Key), req.Permissions)
	h.metrics.recordMutation(r.Context(), op, err)
	if err != nil {
		h.mutationError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) mutationError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, keychain.ErrInvalidKey) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	zctx.From(r.Context()).Error("Registry mutation failed", zap.Error(err))
	writeError(w, r, http.StatusInternalServerError, "registry update failed")
}
