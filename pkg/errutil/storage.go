package errutil

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"gorm.io/gorm"
)

// FromStorage classifies an error returned by the database layer. Domain
// errors pass through untouched.
func FromStorage(msg string, err error) error {
	if err == nil {
		return nil
	}

	var base BaseError
	if errors.As(err, &base) {
		return err
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return NotFound(msg, err)
	case errors.Is(err, gorm.ErrDuplicatedKey), isUniqueViolation(err):
		return Conflict(msg, err)
	case isUnavailable(err):
		return StorageUnavailable(msg, err)
	default:
		return Internal(msg, err)
	}
}

func isUnavailable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "too many connections") ||
		strings.Contains(msg, "sql: database is closed")
}

func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "duplicate entry")
}
