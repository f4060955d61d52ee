package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

type verifyRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Permissions []string `json:"permissions"`
}

// Verify answers with the permissions granted by the presented token. The
// token comes from the JSON body or, when the body has none, from the
// Authorization header. Denials are a 200 with an empty set so callers
// learn nothing about why a token was refused.
func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Token == "" {
		req.Token, _ = bearerToken(r)
	}

	perms, err := h.verifier.Check(req.Token)
	h.metrics.recordVerify(r.Context(), err)
	if err != nil {
		zctx.From(r.Context()).Debug("Token denied", zap.String("reason", denyReason(err)))
		perms = []string{}
	}
	writeJSON(w, r, http.StatusOK, verifyResponse{Permissions: perms})
}
