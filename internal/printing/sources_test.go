package printing

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/hanko-field/fulfillment/internal/platform/config"
)

type fakeObjectSigner struct {
	objects []string
	err     error
}

func (f *fakeObjectSigner) DownloadURL(_ context.Context, object string) (string, time.Time, error) {
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	f.objects = append(f.objects, object)
	return "https://storage.googleapis.com/print-files/" + object + "?X-Goog-Signature=abc", time.Now().Add(time.Hour), nil
}

func TestTemplateSources(t *testing.T) {
	sources, err := NewTemplateSources("https://files.example.com/print")
	if err != nil {
		t.Fatalf("NewTemplateSources: %v", err)
	}
	cover, interior, err := sources.Source(context.Background(), "core", "cover-1")
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if cover != "https://files.example.com/print/books/core/cover-1/cover.pdf" {
		t.Fatalf("unexpected cover %s", cover)
	}
	if interior != "https://files.example.com/print/books/core/cover-1/interior.pdf" {
		t.Fatalf("unexpected interior %s", interior)
	}

	for _, ref := range [][2]string{{"", "cover-1"}, {"core", ""}, {"core", "../secret"}} {
		if _, _, err := sources.Source(context.Background(), ref[0], ref[1]); !errors.Is(err, ErrSourceUnavailable) {
			t.Errorf("expected unavailable for %v, got %v", ref, err)
		}
	}
	if _, err := NewTemplateSources("not-a-url"); err == nil {
		t.Fatal("expected relative base url to be rejected")
	}
}

func TestSignedSources(t *testing.T) {
	signer := &fakeObjectSigner{}
	sources, err := NewSignedSources(signer)
	if err != nil {
		t.Fatalf("NewSignedSources: %v", err)
	}
	cover, interior, err := sources.Source(context.Background(), "core", "cover-1")
	if err != nil {
		t.Fatalf("Source: %v", err)
	}
	if !strings.Contains(cover, "books/core/cover-1/cover.pdf") || !strings.Contains(interior, "X-Goog-Signature") {
		t.Fatalf("unexpected urls %s %s", cover, interior)
	}
	if len(signer.objects) != 2 {
		t.Fatalf("expected two signed objects, got %v", signer.objects)
	}

	failing, _ := NewSignedSources(&fakeObjectSigner{err: errors.New("iam denied")})
	if _, _, err := failing.Source(context.Background(), "core", "cover-1"); !errors.Is(err, ErrSourceUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestPackageTable(t *testing.T) {
	table, err := NewPackageTable(config.DefaultPodPackages())
	if err != nil {
		t.Fatalf("NewPackageTable: %v", err)
	}
	id, err := table.Select(true, true)
	if err != nil || id != config.DefaultPodPackages()["hardcover_color"] {
		t.Fatalf("unexpected package %q %v", id, err)
	}
	if _, err := NewPackageTable(map[string]string{"paperback_bw": "x"}); !errors.Is(err, ErrUnknownPackage) {
		t.Fatalf("expected incomplete table to fail, got %v", err)
	}
}
