package printing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrSourceUnavailable is returned when a book lacks the identifiers its files are derived from.
var ErrSourceUnavailable = errors.New("printing: printable source unavailable")

// SourceBuilder derives manufacturing file locations for a book.
type SourceBuilder interface {
	Source(ctx context.Context, library, coverID string) (cover, interior string, err error)
}

// BookExternalID is the stable line item reference sent to the provider.
func BookExternalID(library, coverID string) string {
	return strings.TrimSpace(library) + ":" + strings.TrimSpace(coverID)
}

func objectPaths(library, coverID string) (string, string, error) {
	library = strings.TrimSpace(library)
	coverID = strings.TrimSpace(coverID)
	if library == "" || coverID == "" {
		return "", "", fmt.Errorf("%w: library and cover id are required", ErrSourceUnavailable)
	}
	if strings.ContainsAny(library+coverID, "/\\") || strings.Contains(library+coverID, "..") {
		return "", "", fmt.Errorf("%w: invalid book reference %q", ErrSourceUnavailable, BookExternalID(library, coverID))
	}
	base := path.Join("books", library, coverID)
	return base + "/cover.pdf", base + "/interior.pdf", nil
}

// TemplateSources builds public URLs under a fixed base.
type TemplateSources struct {
	base *url.URL
}

// NewTemplateSources parses baseURL, which must be absolute.
func NewTemplateSources(baseURL string) (*TemplateSources, error) {
	parsed, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("printing: invalid source base url %q", baseURL)
	}
	return &TemplateSources{base: parsed}, nil
}

func (s *TemplateSources) Source(_ context.Context, library, coverID string) (string, string, error) {
	cover, interior, err := objectPaths(library, coverID)
	if err != nil {
		return "", "", err
	}
	return s.base.JoinPath(cover).String(), s.base.JoinPath(interior).String(), nil
}

// ObjectSigner issues time-limited download URLs for bucket objects.
type ObjectSigner interface {
	DownloadURL(ctx context.Context, object string) (string, time.Time, error)
}

// SignedSources hands the provider signed Cloud Storage URLs.
type SignedSources struct {
	signer ObjectSigner
}

// NewSignedSources wraps a signer such as storage.URLSigner.
func NewSignedSources(signer ObjectSigner) (*SignedSources, error) {
	if signer == nil {
		return nil, errors.New("printing: object signer is required")
	}
	return &SignedSources{signer: signer}, nil
}

func (s *SignedSources) Source(ctx context.Context, library, coverID string) (string, string, error) {
	coverObject, interiorObject, err := objectPaths(library, coverID)
	if err != nil {
		return "", "", err
	}
	cover, _, err := s.signer.DownloadURL(ctx, coverObject)
	if err != nil {
		return "", "", fmt.Errorf("%w: sign cover: %v", ErrSourceUnavailable, err)
	}
	interior, _, err := s.signer.DownloadURL(ctx, interiorObject)
	if err != nil {
		return "", "", fmt.Errorf("%w: sign interior: %v", ErrSourceUnavailable, err)
	}
	return cover, interior, nil
}
