package db

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestTxFromContext_Nil(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestTxFromContext_WithWrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBTxKey, "not-a-tx")
	if tx := TxFromContext(ctx); tx != nil {
		t.Error("expected nil when context value is wrong type")
	}
}

func TestNopTxManager_PropagatesError(t *testing.T) {
	want := errors.New("boom")
	called := false
	err := NopTxManager{}.InTx(context.Background(), func(ctx context.Context) error {
		called = true
		return want
	})
	if !called {
		t.Error("expected fn to be called")
	}
	if !errors.Is(err, want) {
		t.Errorf("expected %v, got %v", want, err)
	}
}

func TestErrorClassification(t *testing.T) {
	unique := fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})
	missing := &pgconn.PgError{Code: "42P01"}
	fk := &pgconn.PgError{Code: "23503"}

	if !IsUniqueViolation(unique) {
		t.Error("expected wrapped 23505 to be a unique violation")
	}
	if IsUniqueViolation(missing) {
		t.Error("42P01 is not a unique violation")
	}
	if !IsUndefinedTable(missing) {
		t.Error("expected 42P01 to be undefined table")
	}
	if !IsForeignKeyViolation(fk) {
		t.Error("expected 23503 to be a foreign key violation")
	}
	if !IsNoRows(fmt.Errorf("get: %w", pgx.ErrNoRows)) {
		t.Error("expected wrapped ErrNoRows to be detected")
	}
	if IsUniqueViolation(errors.New("plain")) {
		t.Error("plain error should not classify")
	}
}
