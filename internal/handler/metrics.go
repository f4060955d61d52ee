package handler

import (
	"context"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xenking/keychain/internal/domain/keychain"
)

type metrics struct {
	verify    metric.Int64Counter
	mutations metric.Int64Counter
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	verify, err := meter.Int64Counter("keychain.verify",
		metric.WithDescription("Token verifications by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "keychain.verify")
	}
	mutations, err := meter.Int64Counter("keychain.registry.mutations",
		metric.WithDescription("Registry mutations by operation and result"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "keychain.registry.mutations")
	}
	return &metrics{verify: verify, mutations: mutations}, nil
}

func (m *metrics) recordVerify(ctx context.Context, err error) {
	outcome := "granted"
	if err != nil {
		outcome = "denied"
	}
	m.verify.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", denyReason(err)),
	))
}

func (m *metrics) recordMutation(ctx context.Context, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.mutations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("result", result),
	))
}

// denyReason maps a verification error to a low-cardinality label.
func denyReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, keychain.ErrMalformedToken):
		return "malformed"
	case errors.Is(err, keychain.ErrUnsupportedScheme):
		return "unsupported_scheme"
	case errors.Is(err, keychain.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, keychain.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, keychain.ErrExpired):
		return "expired"
	default:
		return "other"
	}
}
