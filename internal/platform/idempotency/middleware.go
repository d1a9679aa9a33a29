package idempotency

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/hanko-field/fulfillment/internal/platform/auth"
	"github.com/hanko-field/fulfillment/internal/platform/httpx"
)

const replayHeader = "X-Idempotent-Replay"

// Logger receives persistence failures that cannot reach the client.
type Logger interface {
	Printf(format string, args ...any)
}

// Guard replays the first response for a repeated Idempotency-Key.
type Guard struct {
	store    Store
	header   string
	ttl      time.Duration
	required bool
	now      func() time.Time
	logger   Logger
}

// Option customises a Guard.
type Option func(*Guard)

// WithHeader overrides the key header name.
func WithHeader(name string) Option {
	return func(g *Guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long completed responses are replayed.
func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithRequiredKey rejects requests without a key instead of passing them through.
func WithRequiredKey() Option {
	return func(g *Guard) { g.required = true }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard builds a Guard over store.
func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{store: store, header: "Idempotency-Key", ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Middleware wraps next. Keys are scoped to the authenticated operator.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	if g == nil || g.store == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		key := strings.TrimSpace(r.Header.Get(g.header))
		if key == "" {
			if g.required {
				httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_required", g.header+" header is required", http.StatusBadRequest))
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		body, err := httpx.ReadBody(r, httpx.DefaultBodyLimit)
		if err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
			httpx.WriteError(ctx, w, httpx.BodyError(err))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		scoped := requester(ctx) + "|" + key
		record, state, err := g.store.Begin(ctx, scoped, fingerprint(r, body), g.now().UTC(), g.ttl)
		switch {
		case errors.Is(err, ErrFingerprintMismatch):
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_key_conflict", "idempotency key already used for a different request", http.StatusConflict))
			return
		case err != nil:
			g.logf("idempotency: begin %s: %v", key, err)
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_unavailable", "unable to process idempotency key", http.StatusServiceUnavailable))
			return
		}

		switch state {
		case StateReplay:
			replay(w, record)
			return
		case StateInFlight:
			httpx.WriteError(ctx, w, httpx.NewError("idempotency_in_progress", "a request with this idempotency key is in progress", http.StatusConflict))
			return
		}

		var captured bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&captured)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		// Server errors are not replayed so operators can retry with the same key.
		if status >= http.StatusInternalServerError {
			if err := g.store.Release(context.WithoutCancel(ctx), scoped); err != nil {
				g.logf("idempotency: release %s: %v", key, err)
			}
			return
		}
		record.Status = status
		record.Header = w.Header().Clone()
		record.Body = captured.Bytes()
		if err := g.store.Complete(context.WithoutCancel(ctx), record, g.now().UTC(), g.ttl); err != nil {
			g.logf("idempotency: complete %s: %v", key, err)
			_ = g.store.Release(context.WithoutCancel(ctx), scoped)
		}
	})
}

func (g *Guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

func replay(w http.ResponseWriter, record Record) {
	for name, values := range record.Header {
		w.Header()[name] = append([]string(nil), values...)
	}
	w.Header().Set(replayHeader, "true")
	status := record.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(record.Body)
}

func requester(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(ctx); ok && svc.Subject != "" {
		return svc.Subject
	}
	return "anonymous"
}

func fingerprint(r *http.Request, body []byte) string {
	h := sha256.New()
	for _, part := range []string{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Content-Type")} {
		_, _ = io.WriteString(h, part)
		_, _ = h.Write([]byte{0})
	}
	_, _ = h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// RunJanitor purges expired records every interval until ctx is done.
func RunJanitor(ctx context.Context, store Store, interval time.Duration, batch int, logger Logger) {
	if store == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := store.Purge(ctx, time.Now().UTC(), batch)
			if err != nil && logger != nil {
				logger.Printf("idempotency: purge failed: %v", err)
			} else if removed > 0 && logger != nil {
				logger.Printf("idempotency: purged %d expired keys", removed)
			}
		}
	}
}
