package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultPageSize is used when the client omits page_size.
	DefaultPageSize = 50
	// MaxPageSize caps page_size.
	MaxPageSize = 200
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid page_size")
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// ParsePageSize returns DefaultPageSize for blank input and clamps to MaxPageSize.
func ParsePageSize(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultPageSize, nil
	}
	size, err := strconv.Atoi(raw)
	if err != nil || size <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPageSize, raw)
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	return size, nil
}

// Cursor is the keyset position after the last returned item. Lists are
// ordered by creation time descending, then id descending.
type Cursor struct {
	CreatedAt time.Time `json:"c"`
	ID        string    `json:"i"`
}

// Encode returns an opaque token for c.
func Encode(c Cursor) string {
	data, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(data)
}

// Decode parses a token produced by Encode. Blank tokens decode to the zero cursor.
func Decode(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var c Cursor
	if err := json.Unmarshal(data, &c); err != nil || c.ID == "" {
		return Cursor{}, ErrInvalidPageToken
	}
	return c, nil
}

// IsZero reports whether the cursor points at the first page.
func (c Cursor) IsZero() bool {
	return c.ID == "" && c.CreatedAt.IsZero()
}

// Before reports whether an item at (createdAt, id) sorts after the cursor.
func (c Cursor) Before(createdAt time.Time, id string) bool {
	if c.IsZero() {
		return true
	}
	if !createdAt.Equal(c.CreatedAt) {
		return createdAt.Before(c.CreatedAt)
	}
	return id < c.ID
}
