package printing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanko-field/fulfillment/internal/domain"
)

func samplePrintJobRequest() domain.PrintJobRequest {
	return domain.PrintJobRequest{
		ExternalID:   "cs_1",
		ContactEmail: "a@example.com",
		ShippingAddress: domain.ShippingAddress{
			Name:        "Ada Reader",
			Street1:     "1 Main St",
			City:        "Springfield",
			StateCode:   "IL",
			PostalCode:  "62701",
			CountryCode: "US",
			PhoneNumber: "+15550100",
		},
		LineItems: []domain.PrintJobLineItem{{
			ExternalID: "core:cover-1",
			Title:      "Field Notes",
			Source: domain.PrintableSource{
				CoverURL:     "https://files.example.com/books/core/cover-1/cover.pdf",
				InteriorURL:  "https://files.example.com/books/core/cover-1/interior.pdf",
				PodPackageID: "0600X0900BWSTDPB060UW444MXX",
			},
			Quantity: 1,
		}},
		ShippingLevel: "GROUND",
	}
}

func TestCreatePrintJobUsesClientCredentials(t *testing.T) {
	var tokenCalls atomic.Int32
	var received printJobPayload
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		if user, pass, ok := r.BasicAuth(); !ok || user != "key" || pass != "secret" {
			t.Errorf("unexpected token credentials %q %q", user, pass)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok-1","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/print-jobs/", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("unexpected authorization %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 98765, "external_id": "cs_1", "status": {"name": "created", "message": ""}}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	var observed []string
	client, err := NewClient(ClientConfig{
		BaseURL:      server.URL,
		TokenURL:     server.URL + "/auth/token",
		ClientKey:    "key",
		ClientSecret: "secret",
		Timeout:      time.Second,
		Observe: func(provider, op string, err error, _ time.Duration) {
			observed = append(observed, provider+"."+op)
		},
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	for i := 0; i < 2; i++ {
		job, err := client.CreatePrintJob(context.Background(), samplePrintJobRequest())
		if err != nil {
			t.Fatalf("CreatePrintJob: %v", err)
		}
		if job.ID != "98765" || job.Status.Name != domain.PrintJobStatusCreated {
			t.Fatalf("unexpected job %+v", job)
		}
	}
	if tokenCalls.Load() != 1 {
		t.Fatalf("expected token to be reused, fetched %d times", tokenCalls.Load())
	}
	if received.ShippingLevel != "GROUND" || len(received.LineItems) != 1 {
		t.Fatalf("unexpected payload %+v", received)
	}
	norm := received.LineItems[0].PrintableNormalization
	if norm.PodPackageID != "0600X0900BWSTDPB060UW444MXX" || norm.Cover.SourceURL == "" || norm.Interior.SourceURL == "" {
		t.Fatalf("unexpected normalization %+v", norm)
	}
	if len(observed) != 2 || observed[0] != "print.create_print_job" {
		t.Fatalf("unexpected observations %v", observed)
	}
}

func TestClientErrorClassification(t *testing.T) {
	var status atomic.Int32
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte(`{"detail":"nope"}`))
	}))
	defer server.Close()

	var opened atomic.Bool
	client, err := NewClient(ClientConfig{
		BaseURL:         server.URL,
		Timeout:         time.Second,
		BreakerFailures: 2,
		BreakerReset:    time.Hour,
		OnBreakerChange: func(_ string, open bool) { opened.Store(open) },
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	status.Store(http.StatusBadRequest)
	for i := 0; i < 3; i++ {
		_, err := client.CreatePrintJob(context.Background(), samplePrintJobRequest())
		var providerErr *ProviderError
		if !errors.Is(err, ErrRejected) || !errors.As(err, &providerErr) || providerErr.Status != http.StatusBadRequest {
			t.Fatalf("expected rejected provider error, got %v", err)
		}
	}
	if opened.Load() {
		t.Fatal("client errors must not open the breaker")
	}

	status.Store(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		if _, err := client.CreatePrintJob(context.Background(), samplePrintJobRequest()); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected unavailable, got %v", err)
		}
	}
	if !opened.Load() {
		t.Fatal("expected breaker to open after consecutive 5xx")
	}
	before := calls.Load()
	if _, err := client.CreatePrintJob(context.Background(), samplePrintJobRequest()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable while open, got %v", err)
	}
	if calls.Load() != before {
		t.Fatal("open breaker must short-circuit the call")
	}
}

func TestClientTimeoutIsUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.CreatePrintJob(context.Background(), samplePrintJobRequest()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable on timeout, got %v", err)
	}
}

func TestShippingQuotes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/shipping-options/" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req quoteRequestPayload
		_ = json.NewDecoder(r.Body).Decode(&req)
		if len(req.LineItems) != 1 || req.LineItems[0].PageCount != 120 || req.Currency != "USD" {
			t.Errorf("unexpected quote request %+v", req)
		}
		_, _ = w.Write([]byte(`[
			{"level":"mail","cost_excl_tax":"3.99","currency":"usd","total_days_min":6,"total_days_max":10},
			{"level":"GROUND","cost_excl_tax":"7.50","currency":"USD","total_days_min":3,"total_days_max":5,"home_only":true}
		]`))
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	quotes, err := client.ShippingQuotes(context.Background(), domain.ShippingQuoteRequest{
		Currency: "USD",
		Items:    []domain.ShippingQuoteItem{{PageCount: 120, PodPackageID: "pkg", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("ShippingQuotes: %v", err)
	}
	if len(quotes) != 2 || quotes[0].Level != "MAIL" || quotes[0].Currency != "USD" || !quotes[1].HomeOnly {
		t.Fatalf("unexpected quotes %+v", quotes)
	}
}
