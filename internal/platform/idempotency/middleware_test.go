package idempotency

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hanko-field/fulfillment/internal/platform/auth"
)

var fixedNow = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

func newRequest(key, body string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/cs_1:resubmit-print-job", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "staff-1"}))
}

func TestGuardReplaysCompletedResponse(t *testing.T) {
	calls := 0
	guard := NewGuard(NewMemoryStore(), WithClock(func() time.Time { return fixedNow }))
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"printJobId":"job-1"}`))
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("k-1", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("k-1", `{}`))

	require.Equal(t, 1, calls)
	require.Equal(t, http.StatusAccepted, second.Code)
	require.Equal(t, "true", second.Header().Get("X-Idempotent-Replay"))
	require.JSONEq(t, first.Body.String(), second.Body.String())
}

func TestGuardRejectsKeyReuseWithDifferentBody(t *testing.T) {
	guard := NewGuard(NewMemoryStore())
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), newRequest("k-2", `{"reason":"a"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("k-2", `{"reason":"b"}`))

	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "idempotency_key_conflict")
}

func TestGuardRequiredKey(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), WithRequiredKey())
	handler := guard.Middleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without key")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, newRequest("", `{}`))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGuardReleasesKeyOnServerError(t *testing.T) {
	calls := 0
	guard := NewGuard(NewMemoryStore())
	handler := guard.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, newRequest("k-3", `{}`))
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, newRequest("k-3", `{}`))

	require.Equal(t, http.StatusBadGateway, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	require.Equal(t, 2, calls)
}

func TestMemoryStorePurgesExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	_, state, err := store.Begin(ctx, "a", "fp", fixedNow, time.Minute)
	require.NoError(t, err)
	require.Equal(t, StateAcquired, state)

	_, state, err = store.Begin(ctx, "a", "fp", fixedNow.Add(30*time.Second), time.Minute)
	require.NoError(t, err)
	require.Equal(t, StateInFlight, state)

	removed, err := store.Purge(ctx, fixedNow.Add(2*time.Minute), 10)
	require.NoError(t, err)
	require.Equal(t, 1, removed)
}
