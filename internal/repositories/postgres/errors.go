package postgres

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/hanko-field/fulfillment/internal/repositories"
)

// wrapError maps database/sql and SQLSTATE failures onto repositories.Error.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	repoErr := &repositories.Error{Op: op, Err: err}
	if errors.Is(err, sql.ErrNoRows) {
		repoErr.Err = repositories.ErrOrderNotFound
		repoErr.NotFound = true
		return repoErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, sql.ErrConnDone) {
		repoErr.Unavailable = true
		return repoErr
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		code := string(pqErr.Code)
		switch {
		case code == "23505", code == "40001", code == "40P01", code == "55P03":
			repoErr.Conflict = true
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"):
			repoErr.Unavailable = true
		}
	}
	return repoErr
}
