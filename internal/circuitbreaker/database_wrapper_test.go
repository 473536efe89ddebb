package circuitbreaker

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"go.uber.org/zap/zaptest"
)

func TestDatabaseWrapper_NormalOperations(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	mock.ExpectPing()
	if err := wrapper.PingContext(ctx); err != nil {
		t.Errorf("PingContext failed: %v", err)
	}

	rows := sqlmock.NewRows([]string{"id", "name"}).
		AddRow(1, "test").
		AddRow(2, "test2")
	mock.ExpectQuery("SELECT (.+) FROM test").WillReturnRows(rows)

	queryRows, err := wrapper.QueryContext(ctx, "SELECT id, name FROM test")
	if err != nil {
		t.Errorf("QueryContext failed: %v", err)
	}
	defer queryRows.Close()

	mock.ExpectExec("INSERT INTO test").
		WithArgs("test").
		WillReturnResult(sqlmock.NewResult(1, 1))

	result, err := wrapper.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "test")
	if err != nil {
		t.Errorf("ExecContext failed: %v", err)
	}

	affected, _ := result.RowsAffected()
	if affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_TransactionWrapper(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO test").
		WithArgs("test").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	tx, err := wrapper.BeginTx(ctx, nil)
	if err != nil {
		t.Errorf("BeginTx failed: %v", err)
	}

	result, err := tx.ExecContext(ctx, "INSERT INTO test (name) VALUES (?)", "test")
	if err != nil {
		t.Errorf("Transaction ExecContext failed: %v", err)
	}

	affected, _ := result.RowsAffected()
	if affected != 1 {
		t.Errorf("Expected 1 affected row, got %d", affected)
	}

	if err := tx.Commit(); err != nil {
		t.Errorf("Transaction Commit failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_BreakerTriggering(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	// Breaker opens after 5 consecutive failures.
	for i := 0; i < 5; i++ {
		mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	}

	for i := 0; i < 5; i++ {
		if err := wrapper.PingContext(ctx); err == nil {
			t.Error("Expected ping to fail")
		}
	}

	if !wrapper.IsOpen() {
		t.Error("Expected breaker to be open after repeated failures")
	}

	// Subsequent calls fail fast.
	if err := wrapper.PingContext(ctx); err != ErrBreakerOpen {
		t.Errorf("Expected breaker open error, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
}

func TestDatabaseWrapper_QueryRowContext(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer db.Close()

	logger := zaptest.NewLogger(t)
	wrapper := NewDatabaseWrapper(db, logger)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "name"}).AddRow(1, "test")
	mock.ExpectQuery("SELECT (.+) FROM test WHERE id = \\?").
		WithArgs(1).
		WillReturnRows(rows)

	row, err := wrapper.QueryRowContext(ctx, "SELECT id, name FROM test WHERE id = ?", 1)
	if err != nil {
		t.Errorf("QueryRowContext failed: %v", err)
	}

	var id int
	var name string
	if err := row.Scan(&id, &name); err != nil {
		t.Errorf("Row scan failed: %v", err)
	}
	if id != 1 || name != "test" {
		t.Errorf("Expected id=1, name='test', got id=%d, name='%s'", id, name)
	}

	// With the breaker open, QueryRowContext returns the breaker error.
	dbForCB, mockForCB, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	defer dbForCB.Close()

	wrapperForCB := NewDatabaseWrapper(dbForCB, logger)

	for i := 0; i < 5; i++ {
		mockForCB.ExpectPing().WillReturnError(sql.ErrConnDone)
	}
	for i := 0; i < 5; i++ {
		wrapperForCB.PingContext(ctx)
	}

	row, err = wrapperForCB.QueryRowContext(ctx, "SELECT id FROM test", 1)
	if err != ErrBreakerOpen {
		t.Errorf("Expected breaker open error, got %v", err)
	}
	if row != nil {
		t.Error("Expected nil row when breaker is open")
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled expectations: %v", err)
	}
	if err := mockForCB.ExpectationsWereMet(); err != nil {
		t.Errorf("Unfulfilled breaker expectations: %v", err)
	}
}
