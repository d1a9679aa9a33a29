package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"
)

const maxSignedBody = 1 << 20

// SecretProvider resolves the shared secret for a named integration.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// StaticSecrets serves secrets from configuration.
type StaticSecrets map[string]string

func (s StaticSecrets) GetSecret(_ context.Context, name string) (string, error) {
	secret := strings.TrimSpace(s[strings.ToLower(name)])
	if secret == "" {
		return "", errors.New("auth: secret not configured")
	}
	return secret, nil
}

// BodySignatureValidator checks an HMAC-SHA256 digest of the raw body carried in a
// header, the scheme print providers use for webhook callbacks.
type BodySignatureValidator struct {
	secrets SecretProvider
	header  string
	logger  Logger
	metrics MetricsRecorder
}

// NewBodySignatureValidator builds a validator reading the digest from header.
func NewBodySignatureValidator(secrets SecretProvider, header string, logger Logger, metrics MetricsRecorder) *BodySignatureValidator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &BodySignatureValidator{secrets: secrets, header: header, logger: logger, metrics: metrics}
}

// RequireSignature rejects requests whose body digest does not match the named secret.
// The body is restored for the next handler.
func (v *BodySignatureValidator) RequireSignature(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			fail := func(status int, code, reason string) {
				v.record(ctx, false, reason, start)
				respondAuthError(w, status, code, "webhook signature rejected")
			}
			provided := strings.TrimSpace(r.Header.Get(v.header))
			if provided == "" {
				fail(http.StatusUnauthorized, "signature_missing", "signature_missing")
				return
			}
			secret, err := v.secrets.GetSecret(ctx, name)
			if err != nil {
				v.logger.Printf("auth: webhook secret %q unavailable: %v", name, err)
				fail(http.StatusServiceUnavailable, "verification_unavailable", "secret_unavailable")
				return
			}
			body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
			if err != nil || len(body) > maxSignedBody {
				fail(http.StatusRequestEntityTooLarge, "payload_too_large", "body_too_large")
				return
			}
			if !SignatureMatches(secret, body, provided) {
				fail(http.StatusUnauthorized, "invalid_signature", "signature_mismatch")
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r)
		})
	}
}

func (v *BodySignatureValidator) record(ctx context.Context, ok bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "hmac", ok, reason, time.Since(start))
	}
}

// SignBody returns the base64 HMAC-SHA256 of body.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// SignatureMatches compares provided (base64 or hex) against the expected digest in constant time.
func SignatureMatches(secret string, body []byte, provided string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)
	if decoded, err := base64.StdEncoding.DecodeString(provided); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := hex.DecodeString(provided); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}
