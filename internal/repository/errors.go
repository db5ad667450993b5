package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/fjod/tableorder/internal/domain"
	"github.com/lib/pq"
)

const activeTableIndex = "sessions_one_active_per_table"

var sentinels = []error{
	ErrSessionNotFound,
	ErrSessionExpired,
	ErrCartNotFound,
	ErrOrderNotFound,
	ErrVersionConflict,
	ErrDuplicateOrder,
	ErrActiveSessionExists,
}

// classify turns a driver error into a domain error. Sentinels pass
// through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s) {
			return err
		}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return domain.Wrap(domain.CodeTransientStorageFailure, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57", "40":
			return domain.Wrap(domain.CodeTransientStorageFailure, op, err)
		case "22", "23":
			return domain.Wrap(domain.CodeDurableWriteFailure, op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return domain.Wrap(domain.CodeTransientStorageFailure, op, err)
	}

	return fmt.Errorf("%s: %w", op, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
