// Package storage is the Postgres implementation of the booking store and
// the calendar cache.
package storage

import (
	"embed"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgconn"
)

// Migrations holds the schema, applied at startup with db.Migrate.
//
//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

const (
	codeUniqueViolation      = "23505"
	codeExclusionViolation   = "23P01"
	codeInvalidText          = "22P02"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsConflict reports whether err is the overlap exclusion constraint firing.
func IsConflict(err error) bool {
	return pgCode(err) == codeExclusionViolation
}

func isRetryable(err error) bool {
	switch pgCode(err) {
	case codeSerializationFailure, codeDeadlockDetected:
		return true
	}
	return false
}
