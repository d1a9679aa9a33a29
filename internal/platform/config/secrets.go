package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var errNoSecretResolver = errors.New("secret resolver not configured")

// SecretResolver resolves secret://name references.
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts a function to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// SecretError wraps a failed secret lookup.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("config: resolve secret %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError lists required secrets that resolved to nothing.
// Names are hashed in the message so logs never carry secret identifiers.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	redacted := make([]string, 0, len(e.names))
	for _, name := range e.names {
		sum := sha256.Sum256([]byte(name))
		redacted = append(redacted, hex.EncodeToString(sum[:8]))
	}
	sort.Strings(redacted)
	return fmt.Sprintf("config: missing required secrets [%s]", strings.Join(redacted, ", "))
}

// Names returns the missing field names.
func (e *MissingSecretsError) Names() []string {
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

// IsSecretReference reports whether the value points at a secret store.
func IsSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

func normalizeSecretRef(value string) string {
	value = strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(value, "sm://"); ok {
		return "secret://" + rest
	}
	return value
}

type secretSet struct {
	ctx      context.Context
	resolver SecretResolver
	resolved map[string]string
	err      error
}

// resolve replaces *field when it holds a reference and remembers the outcome under name.
func (s *secretSet) resolve(name string, field *string) {
	if s.err != nil {
		return
	}
	if IsSecretReference(*field) {
		ref := normalizeSecretRef(*field)
		if s.resolver == nil {
			s.err = &SecretError{Ref: ref, Err: errNoSecretResolver}
			return
		}
		value, err := s.resolver.ResolveSecret(s.ctx, ref)
		if err != nil {
			s.err = &SecretError{Ref: ref, Err: err}
			return
		}
		*field = value
	}
	s.resolved[name] = strings.TrimSpace(*field)
}

func (s *secretSet) missing(required []string) *MissingSecretsError {
	var names []string
	seen := map[string]bool{}
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		if s.resolved[name] == "" {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	return &MissingSecretsError{names: names}
}
