package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrDuplicateUnit means the unit's ledger row already exists: the unit
	// was fully committed by an earlier transaction and must not be retried.
	ErrDuplicateUnit = errors.New("unit already processed")

	// ErrConflictRetry marks a write that lost a race with a concurrent
	// transaction and should be retried as a whole unit.
	ErrConflictRetry = errors.New("concurrent write conflict")

	// ErrNotFound is returned by lookups that matched no row.
	ErrNotFound = errors.New("record not found")
)

// IsDuplicateKey reports whether err is a unique-constraint violation.
// gorm translates most of these to gorm.ErrDuplicatedKey; the driver
// checks cover paths that bypass translation, such as raw statements.
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

// IsTransient reports whether err is a storage fault worth retrying:
// deadlocks, serialization failures, lost connections, lock timeouts.
// Duplicate keys and context cancellation are never transient.
func IsTransient(err error) bool {
	if err == nil || IsDuplicateKey(err) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrConflictRetry) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, gomysql.ErrInvalidConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57P03":
			return true
		}
		return false
	}
	var myErr *gomysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1205, 1213:
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset")
}
