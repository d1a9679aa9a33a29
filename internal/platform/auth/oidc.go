package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

var (
	// ErrJWKSKeyNotFound is returned when no key matches the token kid.
	ErrJWKSKeyNotFound = errors.New("auth: jwks key not found")
	// ErrJWKSFetchFailed wraps transport and decoding failures.
	ErrJWKSFetchFailed = errors.New("auth: jwks fetch failed")
)

// JWKSCache holds Google's signing keys and refetches them on expiry or on an unknown kid.
type JWKSCache struct {
	url      string
	client   *http.Client
	now      func() time.Time
	fallback time.Duration

	mu     sync.Mutex
	keys   map[string]jose.JSONWebKey
	expiry time.Time
}

// NewJWKSCache builds a cache for url. A nil client uses a 10s timeout client.
func NewJWKSCache(url string, client *http.Client) *JWKSCache {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &JWKSCache{url: url, client: client, now: time.Now, fallback: 15 * time.Minute}
}

// Key returns the public key for kid.
func (c *JWKSCache) Key(ctx context.Context, kid string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[kid]; ok && c.now().Before(c.expiry) {
		return key.Key, nil
	}
	if err := c.refreshLocked(ctx); err != nil {
		return nil, err
	}
	if key, ok := c.keys[kid]; ok {
		return key.Key, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrJWKSKeyNotFound, kid)
}

func (c *JWKSCache) refreshLocked(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrJWKSFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrJWKSFetchFailed, resp.StatusCode)
	}
	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("%w: decode: %v", ErrJWKSFetchFailed, err)
	}
	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, key := range set.Keys {
		if key.KeyID != "" && key.Valid() {
			keys[key.KeyID] = key
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("%w: empty key set", ErrJWKSFetchFailed)
	}
	c.keys = keys
	c.expiry = c.now().Add(maxAge(resp.Header.Get("Cache-Control"), c.fallback))
	return nil
}

func maxAge(header string, fallback time.Duration) time.Duration {
	for _, directive := range strings.Split(header, ",") {
		if value, ok := strings.CutPrefix(strings.TrimSpace(strings.ToLower(directive)), "max-age="); ok {
			if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return fallback
}

// ServiceIdentity is the verified caller of an internal endpoint.
type ServiceIdentity struct {
	Subject string
	Email   string
	Issuer  string
}

type serviceIdentityKey struct{}

// ServiceIdentityFromContext returns the identity stored by RequireOIDC.
func ServiceIdentityFromContext(ctx context.Context) (*ServiceIdentity, bool) {
	identity, ok := ctx.Value(serviceIdentityKey{}).(*ServiceIdentity)
	return identity, ok && identity != nil
}

// OIDCValidator verifies Google-signed tokens presented by Pub/Sub push and Cloud Scheduler.
type OIDCValidator struct {
	keys    *JWKSCache
	logger  Logger
	metrics MetricsRecorder
}

// NewOIDCValidator builds a validator. logger and metrics may be nil.
func NewOIDCValidator(keys *JWKSCache, logger Logger, metrics MetricsRecorder) *OIDCValidator {
	if logger == nil {
		logger = nopLogger{}
	}
	return &OIDCValidator{keys: keys, logger: logger, metrics: metrics}
}

// RequireOIDC admits requests carrying an RS256 token for audience from one of issuers.
func (v *OIDCValidator) RequireOIDC(audience string, issuers []string) func(http.Handler) http.Handler {
	allowed := map[string]bool{}
	for _, issuer := range issuers {
		allowed[strings.TrimSpace(issuer)] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			fail := func(status int, reason, message string) {
				v.record(ctx, false, reason, start)
				respondAuthError(w, status, "invalid_token", message)
			}
			if audience == "" {
				fail(http.StatusServiceUnavailable, "audience_not_configured", "oidc audience not configured")
				return
			}
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				fail(http.StatusUnauthorized, "token_missing", "oidc token missing")
				return
			}

			claims := jwt.MapClaims{}
			parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
			_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
				kid, _ := token.Header["kid"].(string)
				if kid == "" {
					return nil, errors.New("auth: token missing kid")
				}
				return v.keys.Key(ctx, kid)
			})
			if err != nil {
				v.logger.Printf("auth: oidc verification failed: %v", err)
				if errors.Is(err, ErrJWKSFetchFailed) {
					fail(http.StatusServiceUnavailable, "jwks_unavailable", "oidc verification unavailable")
					return
				}
				fail(http.StatusUnauthorized, "token_invalid", "oidc token verification failed")
				return
			}
			issuer, _ := claims["iss"].(string)
			if len(allowed) > 0 && !allowed[issuer] {
				fail(http.StatusUnauthorized, "issuer_mismatch", "oidc issuer mismatch")
				return
			}
			if !claims.VerifyAudience(audience, true) {
				fail(http.StatusUnauthorized, "audience_mismatch", "oidc audience mismatch")
				return
			}
			identity := &ServiceIdentity{Issuer: issuer}
			identity.Subject, _ = claims["sub"].(string)
			identity.Email, _ = claims["email"].(string)
			v.record(ctx, true, "ok", start)
			next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, serviceIdentityKey{}, identity)))
		})
	}
}

func (v *OIDCValidator) record(ctx context.Context, ok bool, reason string, start time.Time) {
	if v.metrics != nil {
		v.metrics.RecordVerification(ctx, "oidc", ok, reason, time.Since(start))
	}
}
