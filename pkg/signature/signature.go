// Package signature authenticates automation-engine callbacks with a keyed
// MAC over a timestamped payload.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"time"
)

// DefaultTolerance bounds the replay window for callback timestamps.
const DefaultTolerance = 300 * time.Second

var (
	// ErrInvalidTimestamp indicates the timestamp header is not Unix seconds.
	ErrInvalidTimestamp = errors.New("invalid signature timestamp")

	// ErrTimestampOutOfRange indicates the timestamp is outside the replay
	// tolerance window.
	ErrTimestampOutOfRange = errors.New("signature timestamp outside tolerance")

	// ErrSignatureMismatch indicates the MAC does not match the payload.
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// Verifier signs and verifies callback payloads. It holds no mutable state
// and is safe for concurrent use.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier with the default 300s replay tolerance.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret:    []byte(secret),
		tolerance: DefaultTolerance,
		now:       time.Now,
	}
}

// WithTolerance overrides the replay tolerance window.
func (v *Verifier) WithTolerance(tolerance time.Duration) *Verifier {
	v.tolerance = tolerance

	return v
}

// WithClock overrides the time source. Tests use this to pin server time.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now

	return v
}

// Sign computes the hex MAC over "timestamp.body".
func (v *Verifier) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks the timestamp against the replay window and the supplied
// signature against the recomputed MAC. The MAC comparison is constant time.
func (v *Verifier) Verify(timestamp string, body []byte, signature string) error {
	unix, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}

	skew := v.now().UTC().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}

	if skew > v.tolerance {
		return ErrTimestampOutOfRange
	}

	supplied, err := hex.DecodeString(signature)
	if err != nil {
		return ErrSignatureMismatch
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)

	if !hmac.Equal(mac.Sum(nil), supplied) {
		return ErrSignatureMismatch
	}

	return nil
}
