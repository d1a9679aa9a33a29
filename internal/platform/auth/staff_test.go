package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s stubVerifier) VerifyIDToken(_ context.Context, raw string) (*firebaseauth.Token, error) {
	if token, ok := s.tokens[raw]; ok {
		return token, nil
	}
	return nil, errors.New("invalid")
}

func TestRequireFirebaseAuthRoles(t *testing.T) {
	verifier := stubVerifier{tokens: map[string]*firebaseauth.Token{
		"staff":    {UID: "u1", Claims: map[string]any{"role": "Staff", "email": "ops@example.com"}},
		"customer": {UID: "u2", Claims: map[string]any{"role": []any{"user"}}},
		"admin":    {UID: "u3", Claims: map[string]any{"role": map[string]any{"admin": true}}},
	}}
	authn := NewAuthenticator(verifier, nil)

	var seen *Identity
	handler := authn.RequireFirebaseAuth(RoleStaff, RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	cases := []struct {
		token  string
		status int
	}{
		{"staff", http.StatusOK},
		{"admin", http.StatusOK},
		{"customer", http.StatusForbidden},
		{"bogus", http.StatusUnauthorized},
		{"", http.StatusUnauthorized},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/admin/orders", nil)
		if tc.token != "" {
			req.Header.Set("Authorization", "Bearer "+tc.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("token %q: status = %d", tc.token, rec.Code)
		}
	}
	if seen == nil || seen.UID != "u3" || !seen.HasRole(RoleAdmin) {
		t.Fatalf("identity = %+v", seen)
	}
}
