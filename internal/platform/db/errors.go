package db

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeUndefinedTable      = "42P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// IsUniqueViolation reports whether err is a unique constraint violation.
func IsUniqueViolation(err error) bool { return pgCode(err) == codeUniqueViolation }

func IsForeignKeyViolation(err error) bool { return pgCode(err) == codeForeignKeyViolation }

// IsUndefinedTable reports whether err means a table is missing, which
// usually means migrations have not been applied.
func IsUndefinedTable(err error) bool { return pgCode(err) == codeUndefinedTable }

func IsNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
