package processor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	payload := []byte(`{"type":"invoice.paid"}`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	header := SignPayload(payload, "whsec_test", now)

	require.NoError(t, VerifySignature(payload, header, "whsec_test", DefaultSignatureTolerance, now))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	payload := []byte(`{"type":"invoice.paid"}`)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	header := SignPayload(payload, "whsec_test", now)

	assert.ErrorIs(t, VerifySignature([]byte(`{"type":"invoice.voided"}`), header, "whsec_test", DefaultSignatureTolerance, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(payload, header, "whsec_other", DefaultSignatureTolerance, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(payload, "", "whsec_test", DefaultSignatureTolerance, now), ErrInvalidSignature)
	assert.ErrorIs(t, VerifySignature(payload, "garbage", "whsec_test", DefaultSignatureTolerance, now), ErrInvalidSignature)
}

func TestVerifySignatureRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"type":"invoice.paid"}`)
	signedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	header := SignPayload(payload, "whsec_test", signedAt)

	assert.ErrorIs(t,
		VerifySignature(payload, header, "whsec_test", DefaultSignatureTolerance, signedAt.Add(10*time.Minute)),
		ErrInvalidSignature)
	// Future-dated timestamps are just as suspect.
	assert.ErrorIs(t,
		VerifySignature(payload, header, "whsec_test", DefaultSignatureTolerance, signedAt.Add(-10*time.Minute)),
		ErrInvalidSignature)
}
