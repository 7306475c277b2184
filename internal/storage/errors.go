package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	"github.com/lib/pq"

	"github.com/example/ride-bidding/internal/models"
)

// classify leaves domain errors untouched and maps connectivity failures to
// models.StoreUnavailableError so callers can tell "the store said no" from
// "the store could not be asked".
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case models.IsConflict(err), models.IsNotFound(err), models.IsValidation(err),
		models.IsAuthorization(err), models.IsStoreUnavailable(err):
		return err
	case unavailable(err):
		return models.StoreUnavailableError{Op: op, Err: err}
	}
	return err
}

func unavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 08: connection exception, 57P: operator intervention (shutdown)
		code := string(pqErr.Code)
		return strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P")
	}
	return strings.Contains(err.Error(), "connection refused")
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
