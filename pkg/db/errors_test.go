package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		constraint string
		want       bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "pgconn", err: &pgconn.PgError{Code: "23505", ConstraintName: "ux_ledger_records_chain_prev"}, want: true},
		{name: "pgconn constraint match", err: &pgconn.PgError{Code: "23505", ConstraintName: "ux_ledger_records_chain_prev"}, constraint: "ux_ledger_records_chain_prev", want: true},
		{name: "pgconn constraint mismatch", err: &pgconn.PgError{Code: "23505", ConstraintName: "other"}, constraint: "ux_ledger_records_chain_prev", want: false},
		{name: "pgconn other code", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "pq wrapped", err: fmt.Errorf("insert: %w", &pq.Error{Code: "23505", Constraint: "ux_ledger_records_chain_seq"}), want: true},
		{name: "sqlite text", err: errors.New("UNIQUE constraint failed: ledger_records.chain_id, ledger_records.seq"), want: true},
		{name: "unrelated", err: errors.New("syntax error"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsUniqueViolation(tt.err, tt.constraint); got != tt.want {
				t.Fatalf("IsUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "deadline", err: fmt.Errorf("query: %w", context.DeadlineExceeded), want: true},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, want: true},
		{name: "connection class", err: &pgconn.PgError{Code: "08006"}, want: true},
		{name: "pq deadlock", err: &pq.Error{Code: "40P01"}, want: true},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}, want: false},
		{name: "sqlite busy", err: errors.New("database is locked"), want: true},
		{name: "plain", err: errors.New("bad payload"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Fatalf("IsTransient() = %v, want %v", got, tt.want)
			}
		})
	}
}
