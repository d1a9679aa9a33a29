package identity

import (
	"context"
	"errors"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubUsers struct {
	users map[string]string
	err   error
	calls int
}

func (s *stubUsers) GetUserByEmail(_ context.Context, email string) (*firebaseauth.UserRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	uid, ok := s.users[email]
	if !ok {
		return &firebaseauth.UserRecord{}, nil
	}
	return &firebaseauth.UserRecord{UserInfo: &firebaseauth.UserInfo{UID: uid, Email: email}}, nil
}

func TestResolveAccount(t *testing.T) {
	users := &stubUsers{users: map[string]string{"a@example.com": "uid-1"}}
	resolver, err := NewFirebaseAccountResolver(users)
	if err != nil {
		t.Fatalf("NewFirebaseAccountResolver: %v", err)
	}

	id, err := resolver.ResolveAccount(context.Background(), "acct_9", "a@example.com")
	if err != nil || id != "acct_9" || users.calls != 0 {
		t.Fatalf("expected checkout account id without lookup, got %q %v (calls %d)", id, err, users.calls)
	}

	id, err = resolver.ResolveAccount(context.Background(), "", "a@example.com")
	if err != nil || id != "uid-1" {
		t.Fatalf("expected email lookup, got %q %v", id, err)
	}

	if _, err := resolver.ResolveAccount(context.Background(), "", "b@example.com"); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := resolver.ResolveAccount(context.Background(), "", ""); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected not found without email, got %v", err)
	}

	failing, _ := NewFirebaseAccountResolver(&stubUsers{err: errors.New("backend down")})
	if _, err := failing.ResolveAccount(context.Background(), "", "a@example.com"); err == nil || errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected lookup failure, got %v", err)
	}
}
