package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// IsLockContentionErr reports whether err is a transient row-lock or
// serialization failure worth retrying.
func IsLockContentionErr(err error) bool {
	if err == nil {
		return false
	}

	msg := err.Error()

	// PostgreSQL serialization_failure (40001) / lock_not_available (55P03)
	if strings.Contains(msg, "could not serialize access") ||
		strings.Contains(msg, "lock not available") ||
		strings.Contains(msg, "deadlock detected") {
		return true
	}

	// MySQL (1205 lock wait timeout, 1213 deadlock)
	if strings.Contains(msg, "Error 1205") || strings.Contains(msg, "Error 1213") {
		return true
	}

	// SQLite
	if strings.Contains(msg, "database is locked") {
		return true
	}

	return false
}
