package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID":   "books-dev",
		"API_PRINT_BASE_URL":        "https://api.print.example/",
		"API_PRINT_SOURCE_BASE_URL": "https://files.example.com/books",
		"API_IDENTITY_BASE_URL":     "https://identity.example.com",
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("port = %s", cfg.Server.Port)
	}
	if cfg.Firestore.ProjectID != "books-dev" || cfg.PubSub.ProjectID != "books-dev" {
		t.Errorf("expected project ids to cascade, got %q %q", cfg.Firestore.ProjectID, cfg.PubSub.ProjectID)
	}
	if cfg.Print.BaseURL != "https://api.print.example" {
		t.Errorf("expected trailing slash trimmed, got %s", cfg.Print.BaseURL)
	}
	if cfg.Print.DefaultShippingLevel != "MAIL" {
		t.Errorf("default shipping level = %s", cfg.Print.DefaultShippingLevel)
	}
	if len(cfg.Print.PodPackages) != 4 {
		t.Errorf("expected default pod packages, got %v", cfg.Print.PodPackages)
	}
	if cfg.Store.Backend != "firestore" || cfg.Cache.Backend != "memory" || cfg.Queue.Mode != "local" || cfg.Mail.Transport != "log" {
		t.Errorf("unexpected backends %+v %+v %+v %+v", cfg.Store, cfg.Cache, cfg.Queue, cfg.Mail)
	}
	if cfg.Queue.DispatchLease != 2*time.Minute || cfg.Queue.MaxLineItems != 100 {
		t.Errorf("unexpected queue defaults %+v", cfg.Queue)
	}
	if cfg.Security.HMAC.SignatureHeader != "Lulu-HMAC-SHA256" {
		t.Errorf("signature header = %s", cfg.Security.HMAC.SignatureHeader)
	}
}

func TestLoadResolvesSecrets(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_WEBHOOK_SECRET"] = "sm://stripe-webhook"
	env["API_PRINT_CLIENT_SECRET"] = "secret://print-client"
	env["API_SECURITY_HMAC_SECRETS"] = "Print=secret://print-webhook"

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		return "resolved:" + ref, nil
	})
	cfg, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""),
		WithSecretResolver(resolver), WithRequiredSecrets("Stripe.WebhookSecret", "Security.HMAC.Secrets[print]"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Stripe.WebhookSecret != "resolved:secret://stripe-webhook" {
		t.Errorf("stripe secret = %s", cfg.Stripe.WebhookSecret)
	}
	if cfg.Print.ClientSecret != "resolved:secret://print-client" {
		t.Errorf("print secret = %s", cfg.Print.ClientSecret)
	}
	if cfg.Security.HMAC.Secrets["print"] != "resolved:secret://print-webhook" {
		t.Errorf("hmac secrets = %v", cfg.Security.HMAC.Secrets)
	}
}

func TestLoadReportsMissingSecrets(t *testing.T) {
	_, err := Load(context.Background(), WithEnvMap(baseEnv()), WithoutSystemEnv(), WithEnvFile(""),
		WithRequiredSecrets("Stripe.WebhookSecret"))
	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %v", err)
	}
	if names := missing.Names(); len(names) != 1 || names[0] != "Stripe.WebhookSecret" {
		t.Fatalf("names = %v", names)
	}
}

func TestLoadSecretWithoutResolver(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "secret://stripe-key"
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var secretErr *SecretError
	if !errors.As(err, &secretErr) || !errors.Is(err, errNoSecretResolver) {
		t.Fatalf("expected SecretError, got %v", err)
	}
}

func TestLoadValidation(t *testing.T) {
	env := map[string]string{
		"API_ORDER_STORE":       "postgres",
		"API_CACHE_BACKEND":     "redis",
		"API_MAIL_TRANSPORT":    "kafka",
		"API_PRINT_TIMEOUT":     "soon",
		"API_FULFILLMENT_QUEUE": "carrier-pigeon",
	}
	_, err := Load(context.Background(), WithEnvMap(env), WithoutSystemEnv(), WithEnvFile(""))
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	want := map[string]bool{
		"Store.PostgresDSN":   false,
		"Cache.RedisAddr":     false,
		"Mail.KafkaBrokers":   false,
		"API_PRINT_TIMEOUT":   false,
		"Queue.Mode":          false,
		"Print.BaseURL":       false,
		"Identity.BaseURL":    false,
		"Print.SourceBaseURL": false,
	}
	for _, field := range verr.Fields() {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Errorf("expected %s in %v", field, verr.Fields())
		}
	}
}

func TestEnvironmentValuesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("# comment\nexport API_SERVER_PORT=7000\nAPI_MAIL_FROM=\"shop@example.com\"\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	values, err := EnvironmentValues(WithEnvFile(path), WithoutSystemEnv(), WithEnvMap(map[string]string{"API_SERVER_PORT": "9000"}))
	if err != nil {
		t.Fatalf("EnvironmentValues: %v", err)
	}
	if values["API_SERVER_PORT"] != "9000" {
		t.Errorf("explicit map should win, got %s", values["API_SERVER_PORT"])
	}
	if values["API_MAIL_FROM"] != "shop@example.com" {
		t.Errorf("dotenv value = %q", values["API_MAIL_FROM"])
	}
}
