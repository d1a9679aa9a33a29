package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"time"
)

// DefaultTTL bounds how long a completed response is replayed.
const DefaultTTL = 24 * time.Hour

// State is the outcome of Begin.
type State int

const (
	// StateAcquired means the caller owns the key and must Complete or Release it.
	StateAcquired State = iota
	// StateReplay means a stored response exists.
	StateReplay
	// StateInFlight means another request holds the key.
	StateInFlight
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key reused with a different request")

// Record is a stored reservation or response.
type Record struct {
	Key         string
	Fingerprint string
	Completed   bool
	Status      int
	Header      http.Header
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

func (r Record) expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Store persists reservations for idempotent operator actions.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Record, State, error)
	Complete(ctx context.Context, record Record, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	Purge(ctx context.Context, now time.Time, limit int) (int, error)
}

// documentID hashes the caller-supplied key so arbitrary header values are safe document ids.
func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

var hopHeaders = map[string]bool{
	"Connection":        true,
	"Content-Length":    true,
	"Date":              true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Upgrade":           true,
}

func storableHeader(src http.Header) http.Header {
	out := http.Header{}
	for name, values := range src {
		name = http.CanonicalHeaderKey(name)
		if hopHeaders[name] {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}
