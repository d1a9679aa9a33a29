package storage

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"
)

type recordingSigner struct {
	calls int
	err   error
}

func (s *recordingSigner) Email() string { return "print-files@books.iam.gserviceaccount.com" }

func (s *recordingSigner) SignBytes(_ context.Context, _ []byte) ([]byte, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return []byte("signature"), nil
}

func TestDownloadURL(t *testing.T) {
	now := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	signer := &recordingSigner{}
	urls, err := NewKeyURLSigner("book-files", signer, 24*time.Hour, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewKeyURLSigner: %v", err)
	}

	signed, expires, err := urls.DownloadURL(context.Background(), "/classics/cover-42/cover.pdf")
	if err != nil {
		t.Fatalf("DownloadURL: %v", err)
	}
	if !expires.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("expires = %v", expires)
	}
	parsed, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasSuffix(parsed.Path, "/book-files/classics/cover-42/cover.pdf") {
		t.Fatalf("unexpected path %s", parsed.Path)
	}
	query := parsed.Query()
	if query.Get("X-Goog-Expires") != "86400" {
		t.Fatalf("X-Goog-Expires = %q", query.Get("X-Goog-Expires"))
	}
	if query.Get("X-Goog-Signature") == "" || signer.calls != 1 {
		t.Fatalf("expected one signature, calls=%d", signer.calls)
	}
}

func TestDownloadURLErrors(t *testing.T) {
	signer := &recordingSigner{err: errors.New("iam down")}
	urls, err := NewKeyURLSigner("book-files", signer, 0)
	if err != nil {
		t.Fatalf("NewKeyURLSigner: %v", err)
	}
	if _, _, err := urls.DownloadURL(context.Background(), " "); !errors.Is(err, errObjectRequired) {
		t.Fatalf("expected errObjectRequired, got %v", err)
	}
	if _, _, err := urls.DownloadURL(context.Background(), "a/b.pdf"); err == nil {
		t.Fatal("expected signing failure")
	}
	if _, err := NewKeyURLSigner("", signer, 0); err == nil {
		t.Fatal("expected bucket validation error")
	}
}

func TestKeySignerFromJSON(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	body, _ := json.Marshal(map[string]string{
		"client_email": "svc@books.iam.gserviceaccount.com",
		"private_key":  string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
	})
	signer, err := NewKeySignerFromJSON(body)
	if err != nil {
		t.Fatalf("NewKeySignerFromJSON: %v", err)
	}
	sig, err := signer.SignBytes(context.Background(), []byte("payload"))
	if err != nil || len(sig) != 256 {
		t.Fatalf("sign: len=%d err=%v", len(sig), err)
	}
	if _, err := NewKeySignerFromJSON([]byte(`{"client_email":"x"}`)); err == nil {
		t.Fatal("expected missing key error")
	}
}
