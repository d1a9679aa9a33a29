package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/storage"
)

const (
	defaultDownloadTTL = 72 * time.Hour
	// V4 signed URLs cannot outlive seven days.
	maxDownloadTTL = 7 * 24 * time.Hour
)

var errObjectRequired = errors.New("storage: object name is required")

// URLSigner issues time-limited GET URLs for objects in one bucket so the
// print provider can fetch manufacturing files without bucket access.
type URLSigner struct {
	bucket string
	ttl    time.Duration
	now    func() time.Time
	sign   func(ctx context.Context, object string, opts *storage.SignedURLOptions) (string, error)
}

// SignerOption customises a URLSigner.
type SignerOption func(*URLSigner)

// WithClock overrides the time source.
func WithClock(now func() time.Time) SignerOption {
	return func(s *URLSigner) {
		if now != nil {
			s.now = now
		}
	}
}

func newURLSigner(bucket string, ttl time.Duration, opts []SignerOption) (*URLSigner, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("storage: bucket name is required")
	}
	if ttl <= 0 {
		ttl = defaultDownloadTTL
	}
	if ttl > maxDownloadTTL {
		ttl = maxDownloadTTL
	}
	s := &URLSigner{bucket: bucket, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// NewKeyURLSigner signs with an explicit Signer.
func NewKeyURLSigner(bucket string, signer Signer, ttl time.Duration, opts ...SignerOption) (*URLSigner, error) {
	if signer == nil || signer.Email() == "" {
		return nil, errors.New("storage: signer is required")
	}
	s, err := newURLSigner(bucket, ttl, opts)
	if err != nil {
		return nil, err
	}
	s.sign = func(ctx context.Context, object string, opts *storage.SignedURLOptions) (string, error) {
		opts.GoogleAccessID = signer.Email()
		opts.SignBytes = func(payload []byte) ([]byte, error) {
			return signer.SignBytes(ctx, payload)
		}
		return storage.SignedURL(s.bucket, object, opts)
	}
	return s, nil
}

// NewBucketURLSigner lets the storage client detect credentials, which uses
// the IAM signBlob API when running on Cloud Run without a key file.
func NewBucketURLSigner(client *storage.Client, bucket string, ttl time.Duration, opts ...SignerOption) (*URLSigner, error) {
	if client == nil {
		return nil, errors.New("storage: client is required")
	}
	s, err := newURLSigner(bucket, ttl, opts)
	if err != nil {
		return nil, err
	}
	handle := client.Bucket(s.bucket)
	s.sign = func(_ context.Context, object string, opts *storage.SignedURLOptions) (string, error) {
		return handle.SignedURL(object, opts)
	}
	return s, nil
}

// DownloadURL signs a GET URL for object and returns its expiry.
func (s *URLSigner) DownloadURL(ctx context.Context, object string) (string, time.Time, error) {
	object = strings.TrimPrefix(strings.TrimSpace(object), "/")
	if object == "" {
		return "", time.Time{}, errObjectRequired
	}
	expires := s.now().Add(s.ttl)
	signed, err := s.sign(ctx, object, &storage.SignedURLOptions{
		Method:  "GET",
		Scheme:  storage.SigningSchemeV4,
		Expires: expires,
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("storage: sign %s/%s: %w", s.bucket, object, err)
	}
	return signed, expires, nil
}
