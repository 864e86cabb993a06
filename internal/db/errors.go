package db

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a driver error into the small taxonomy the handlers
// dispatch on. Anything unrecognized is KindOther and surfaces as an
// internal server error.
type Kind int

const (
	KindOther Kind = iota
	KindDuplicateKey
	KindDeadlock
	KindConnection
	KindSyntax
)

func (k Kind) String() string {
	switch k {
	case KindDuplicateKey:
		return "duplicate_key"
	case KindDeadlock:
		return "deadlock"
	case KindConnection:
		return "connection"
	case KindSyntax:
		return "syntax"
	default:
		return "other"
	}
}

// DuplicateKeyError reports a unique-constraint violation. Constraint holds
// the violated constraint name (e.g. users_email_key); the mapping from
// constraint to protocol error code lives with the schema contract in the
// handlers.
type DuplicateKeyError struct {
	Constraint string
	err        error
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key on %s: %v", e.Constraint, e.err)
}

func (e *DuplicateKeyError) Unwrap() error { return e.err }

// Postgres error codes. https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// Classify maps a driver error to its Kind. For duplicate keys the returned
// error is a *DuplicateKeyError carrying the constraint name; otherwise the
// original error is returned unchanged.
func Classify(err error) (Kind, error) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		if pgconn.Timeout(err) {
			return KindConnection, err
		}
		return KindOther, err
	}

	switch {
	case pgErr.Code == codeUniqueViolation:
		return KindDuplicateKey, &DuplicateKeyError{Constraint: pgErr.ConstraintName, err: err}
	case pgErr.Code == codeSerializationFailure, pgErr.Code == codeDeadlockDetected:
		return KindDeadlock, err
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
		return KindConnection, err
	case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42":
		return KindSyntax, err
	default:
		return KindOther, err
	}
}

// IsDuplicate reports whether err is a unique violation on the named
// constraint. An empty constraint matches any unique violation.
func IsDuplicate(err error, constraint string) bool {
	var dup *DuplicateKeyError
	if !errors.As(err, &dup) {
		return false
	}
	return constraint == "" || dup.Constraint == constraint
}
