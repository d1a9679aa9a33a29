package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"
)

// Roles allowed to operate the admin surface.
const (
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the authenticated operator.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole reports whether the identity carries role.
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	for _, r := range i.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

type identityKey struct{}

// WithIdentity stores the operator identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the operator identity set by RequireFirebaseAuth.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// NewFirebaseAuthClient initialises the Admin SDK auth client shared by the
// authenticator and the account resolver.
func NewFirebaseAuthClient(ctx context.Context, projectID, credentialsFile string) (*firebaseauth.Client, error) {
	if projectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: init firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: init firebase auth: %w", err)
	}
	return client, nil
}

// Authenticator guards routes with Firebase ID tokens carrying a role claim.
type Authenticator struct {
	verifier  TokenVerifier
	roleClaim string
	timeout   time.Duration
	metrics   MetricsRecorder
}

// NewAuthenticator builds an Authenticator reading roles from the "role" claim.
func NewAuthenticator(verifier TokenVerifier, metrics MetricsRecorder) *Authenticator {
	return &Authenticator{verifier: verifier, roleClaim: "role", timeout: 5 * time.Second, metrics: metrics}
}

// RequireFirebaseAuth admits requests whose token carries one of roles.
func (a *Authenticator) RequireFirebaseAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || a == nil || a.verifier == nil {
				a.record(r.Context(), false, "token_missing", start)
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
			token, err := a.verifier.VerifyIDToken(ctx, raw)
			cancel()
			if err != nil {
				code := "invalid_token"
				if firebaseauth.IsIDTokenExpired(err) {
					code = "token_expired"
				}
				a.record(r.Context(), false, code, start)
				respondAuthError(w, http.StatusUnauthorized, code, "firebase id token rejected")
				return
			}

			identity := &Identity{UID: token.UID, Roles: claimRoles(token.Claims[a.roleClaim])}
			identity.Email, _ = token.Claims["email"].(string)
			allowed := len(roles) == 0
			for _, role := range roles {
				if identity.HasRole(role) {
					allowed = true
					break
				}
			}
			if !allowed {
				a.record(r.Context(), false, "insufficient_role", start)
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			a.record(r.Context(), true, "ok", start)
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) record(ctx context.Context, ok bool, reason string, start time.Time) {
	if a != nil && a.metrics != nil {
		a.metrics.RecordVerification(ctx, "firebase", ok, reason, time.Since(start))
	}
}

// claimRoles accepts "admin", ["staff","admin"] or {"admin": true}.
func claimRoles(raw any) []string {
	var out []string
	switch v := raw.(type) {
	case string:
		out = append(out, v)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
	case map[string]any:
		for role, enabled := range v {
			if b, ok := enabled.(bool); ok && b {
				out = append(out, role)
			}
		}
	}
	for i := range out {
		out[i] = strings.ToLower(strings.TrimSpace(out[i]))
	}
	return out
}
