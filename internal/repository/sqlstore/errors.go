package sqlstore

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/bot-catalog/internal/apperror"
)

const pgUniqueViolation = "23505"

// uniqueViolation reports whether err is a unique-constraint failure and, if
// so, returns driver text naming the violated constraint or column.
func uniqueViolation(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == pgUniqueViolation {
			return pgErr.ConstraintName + " " + pgErr.Detail, true
		}
		return "", false
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return sqErr.Error(), true
		}
	}
	return "", false
}

// userConflict translates a unique violation on the users table into the
// matching Conflict error. ok is false for any other error.
func userConflict(err error) (*apperror.AppError, bool) {
	detail, ok := uniqueViolation(err)
	if !ok {
		return nil, false
	}
	switch {
	case strings.Contains(detail, "username"):
		return apperror.Conflict(apperror.CodeUsernameTaken, "username is already taken"), true
	case strings.Contains(detail, "email"):
		return apperror.Conflict(apperror.CodeEmailTaken, "email is already registered"), true
	default:
		return apperror.Conflict("duplicate_key", "record already exists"), true
	}
}
