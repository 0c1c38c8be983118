package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestIsUniqueViolation(t *testing.T) {
	err := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505", ConstraintName: "appointments_request_id_key"})

	if !IsUniqueViolation(err, "") {
		t.Fatal("expected unique violation for any constraint")
	}
	if !IsUniqueViolation(err, "appointments_request_id_key") {
		t.Fatal("expected unique violation for matching constraint")
	}
	if IsUniqueViolation(err, "other_idx") {
		t.Fatal("expected no match for a different constraint")
	}
	if IsUniqueViolation(errors.New("boom"), "") {
		t.Fatal("plain errors are not unique violations")
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Fatal("expected wrapped ErrNoRows to be not found")
	}
}
