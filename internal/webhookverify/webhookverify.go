// Package webhookverify implements receiver-side verification of the
// outbox's delivery signature (spec.md §4.L): parse the signature and
// timestamp headers, reject stale timestamps, and compare the computed
// HMAC-SHA256 against every candidate signature in constant time. It checks
// the signatures internal/outbox.Sign produces (the outbox computes the same
// HMAC itself on the sending side) and is usable by any tenant-facing
// receiver built against this module.
package webhookverify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/nooterra/settld-core/internal/domainerr"
)

var (
	ErrSignatureHeaderInvalid = domainerr.New("WEBHOOK_SIGNATURE_HEADER_INVALID", 400, "signature or timestamp header missing or malformed")
	ErrTimestampTolerance     = domainerr.New("WEBHOOK_TIMESTAMP_TOLERANCE", 400, "delivery timestamp outside tolerance window")
	ErrSignatureNoMatch       = domainerr.New("WEBHOOK_SIGNATURE_NO_MATCH", 401, "no candidate signature matched")
	ErrRawBodyRequired        = domainerr.New("WEBHOOK_RAW_BODY_REQUIRED", 400, "verification requires the exact raw request body")
)

// DefaultTolerance matches config.WebhookConfig.TimestampToleranceSec's
// default.
const DefaultTolerance = 300 * time.Second

// Verify checks a delivery's signature header (comma-separated candidates,
// supporting in-flight secret rotation where both the old and new secret
// sign a delivery) against HMAC_SHA256(secret, timestamp + "." + rawBody).
// rawBody must be the exact bytes received on the wire — json.Marshal of a
// decoded struct is not byte-stable and will spuriously fail verification.
func Verify(secret, signatureHeader, timestampHeader string, rawBody []byte, now time.Time, tolerance time.Duration) error {
	if len(rawBody) == 0 {
		return ErrRawBodyRequired
	}
	if signatureHeader == "" || timestampHeader == "" {
		return ErrSignatureHeaderInvalid
	}

	ts, err := time.Parse(time.RFC3339Nano, timestampHeader)
	if err != nil {
		return ErrSignatureHeaderInvalid
	}

	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > tolerance {
		return ErrTimestampTolerance
	}

	expected := compute(secret, timestampHeader, rawBody)
	for _, candidate := range strings.Split(signatureHeader, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		if constantTimeEqual(expected, candidate) {
			return nil
		}
	}
	return ErrSignatureNoMatch
}

func compute(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func constantTimeEqual(a, b string) bool {
	decodedA, errA := hex.DecodeString(a)
	decodedB, errB := hex.DecodeString(b)
	if errA != nil || errB != nil {
		return false
	}
	return hmac.Equal(decodedA, decodedB)
}
