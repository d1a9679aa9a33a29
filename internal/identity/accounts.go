package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

// ErrAccountNotFound is returned when no account matches the customer.
var ErrAccountNotFound = errors.New("identity: account not found")

type userLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*firebaseauth.UserRecord, error)
}

// FirebaseAccountResolver maps a customer email onto a Firebase uid.
type FirebaseAccountResolver struct {
	users userLookup
}

// NewFirebaseAccountResolver wraps a Firebase auth client.
func NewFirebaseAccountResolver(users userLookup) (*FirebaseAccountResolver, error) {
	if users == nil {
		return nil, errors.New("identity: firebase auth client is required")
	}
	return &FirebaseAccountResolver{users: users}, nil
}

// ResolveAccount prefers the account id recorded at checkout and falls back to
// an email lookup.
func (r *FirebaseAccountResolver) ResolveAccount(ctx context.Context, accountID, email string) (string, error) {
	if id := strings.TrimSpace(accountID); id != "" {
		return id, nil
	}
	email = strings.TrimSpace(email)
	if email == "" {
		return "", fmt.Errorf("%w: no account id or email", ErrAccountNotFound)
	}
	user, err := r.users.GetUserByEmail(ctx, email)
	if err != nil {
		if firebaseauth.IsUserNotFound(err) {
			return "", fmt.Errorf("%w: %s", ErrAccountNotFound, email)
		}
		return "", fmt.Errorf("identity: lookup account: %w", err)
	}
	if user == nil || user.UserInfo == nil || user.UID == "" {
		return "", fmt.Errorf("%w: %s", ErrAccountNotFound, email)
	}
	return user.UID, nil
}
