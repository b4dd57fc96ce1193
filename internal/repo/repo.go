package repo

import (
	"database/sql"
	"errors"
)

// Repo wraps the shared connection pool. Mutations that must be atomic take
// a *sql.Tx opened by the caller; reads go straight through the pool.
type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
