// Package postgres implements internal/forge/storage's contracts on
// PostgreSQL, following the teacher's plain database/sql + $N-placeholder
// style (no ORM).
package postgres

import (
	"database/sql"
	"time"
)

// Store is the shared handle every per-concern file in this package hangs
// its methods off of.
type Store struct {
	db *sql.DB
}

// New wraps an already-open *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func toNullTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func toNullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}
