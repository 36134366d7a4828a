package propolis

import (
	"errors"
	"strings"
)

// Sentinel errors for the failure modes of rule loading and propagation.
// Permission checks never return these for denied access; denial is
// (false, nil). These errors mean the engine is misconfigured or a mutation
// was rejected.
var (
	// ErrInvalidRule is returned when a path expression or propagated rule
	// fails validation at registry build time. Rule problems are fatal at
	// startup/migrate time and never surface during propagation.
	ErrInvalidRule = errors.New("propolis: invalid propagation rule")

	// ErrRoleInUse is returned when deleting a role that is referenced by at
	// least one materialized grant. In-use configuration is rejected, not
	// silently ignored.
	ErrRoleInUse = errors.New("propolis: role referenced by existing grants")

	// ErrUnknownRole is returned when a lookup names a role the registry has
	// never seen.
	ErrUnknownRole = errors.New("propolis: unknown role")

	// ErrFanOutExceeded signals that propagation for one trigger would
	// materialize more derived grants than the configured cap. The engine
	// handles it internally (marks the trigger, logs a warning, inserts
	// nothing); it is exported so tests and callers can recognize the
	// condition when inspecting engine results.
	ErrFanOutExceeded = errors.New("propolis: fan-out limit exceeded")

	// ErrMissingSchema is returned when the propolis tables do not exist.
	// Run `propolis migrate` to create them.
	ErrMissingSchema = errors.New("propolis: schema tables missing")

	// ErrEmptyRegistry is returned when a registry is built from zero roles.
	// This means the schema file has not been loaded.
	ErrEmptyRegistry = errors.New("propolis: no roles loaded")
)

// IsInvalidRuleErr returns true if err is or wraps ErrInvalidRule.
func IsInvalidRuleErr(err error) bool {
	return errors.Is(err, ErrInvalidRule)
}

// IsRoleInUseErr returns true if err is or wraps ErrRoleInUse.
func IsRoleInUseErr(err error) bool {
	return errors.Is(err, ErrRoleInUse)
}

// IsFanOutExceededErr returns true if err is or wraps ErrFanOutExceeded.
func IsFanOutExceededErr(err error) bool {
	return errors.Is(err, ErrFanOutExceeded)
}

// IsMissingSchemaErr returns true if err is or wraps ErrMissingSchema.
func IsMissingSchemaErr(err error) bool {
	return errors.Is(err, ErrMissingSchema)
}

// PostgreSQL error codes used for error mapping. The unique-violation code
// matters to correctness: a derived grant colliding with one materialized by
// a concurrent transaction is a success, not an error, and the bulk inserts
// rely on ON CONFLICT DO NOTHING plus this code for the residual cases.
const (
	pgUndefinedTable  = "42P01" // undefined_table
	pgUniqueViolation = "23505" // unique_violation
)

// sqlState extracts the SQLSTATE code from a PostgreSQL error.
// Works with multiple drivers via interface detection:
//   - pgx/pgconn and lib/pq (1.10.6+): SQLState() string
//   - other drivers exposing Code() string
//
// Callers hand over errors already wrapped with %w context, so the whole
// chain is walked before falling back to message inspection.
//
// Returns empty string if the error doesn't contain a SQLSTATE.
func sqlState(err error) string {
	type sqlStateErr interface{ SQLState() string }
	type codeErr interface{ Code() string }

	for e := err; e != nil; e = errors.Unwrap(e) {
		if s, ok := e.(sqlStateErr); ok {
			return s.SQLState()
		}
		if c, ok := e.(codeErr); ok {
			return c.Code()
		}
	}

	// Fallback: string matching for known patterns (last resort)
	errStr := err.Error()
	for _, prefix := range []string{"SQLSTATE ", "SQLSTATE: "} {
		if idx := strings.Index(errStr, prefix); idx >= 0 {
			start := idx + len(prefix)
			if start+5 <= len(errStr) {
				return errStr[start : start+5]
			}
		}
	}

	return ""
}

// isUniqueViolation reports whether err is a unique-constraint violation.
// Used where a concurrent writer may have materialized the identical derived
// fact first; such collisions are treated as success.
func isUniqueViolation(err error) bool {
	return sqlState(err) == pgUniqueViolation
}

// isUndefinedTable reports whether err means a propolis table is missing.
func isUndefinedTable(err error) bool {
	return sqlState(err) == pgUndefinedTable
}
