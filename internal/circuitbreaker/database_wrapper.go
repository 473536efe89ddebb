package circuitbreaker

import (
	"context"
	"database/sql"

	"go.uber.org/zap"
)

// DatabaseWrapper guards database calls with a breaker so a down
// Postgres fails fast instead of tying up workflow goroutines.
type DatabaseWrapper struct {
	db     *sql.DB
	cb     *Breaker
	logger *zap.Logger
}

func NewDatabaseWrapper(db *sql.DB, logger *zap.Logger) *DatabaseWrapper {
	cfg := DatabaseSettings().ToConfig()
	cfg.OnStateChange = Collector.StateChangeHook("postgresql", "workflow-store")
	cb := NewBreaker("postgresql", cfg, logger)
	Collector.Register("postgresql", "workflow-store", cb)

	return &DatabaseWrapper{db: db, cb: cb, logger: logger}
}

// guardDB executes op through the breaker and records the outcome.
func guardDB(ctx context.Context, cb *Breaker, op func() error) error {
	err := cb.Execute(ctx, op)
	Collector.RecordRequest("postgresql", "workflow-store", cb.State(), err == nil)
	return err
}

func (dw *DatabaseWrapper) PingContext(ctx context.Context) error {
	return guardDB(ctx, dw.cb, func() error {
		return dw.db.PingContext(ctx)
	})
}

func (dw *DatabaseWrapper) QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	var rows *sql.Rows
	err := guardDB(ctx, dw.cb, func() error {
		var e error
		rows, e = dw.db.QueryContext(ctx, query, args...)
		return e
	})
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// QueryRowContext returns a breaker error up front; query errors
// surface from Scan as usual.
func (dw *DatabaseWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row
	err := guardDB(ctx, dw.cb, func() error {
		row = dw.db.QueryRowContext(ctx, query, args...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (dw *DatabaseWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := guardDB(ctx, dw.cb, func() error {
		var e error
		result, e = dw.db.ExecContext(ctx, query, args...)
		return e
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (dw *DatabaseWrapper) BeginTx(ctx context.Context, opts *sql.TxOptions) (*TxWrapper, error) {
	var tx *sql.Tx
	err := guardDB(ctx, dw.cb, func() error {
		var e error
		tx, e = dw.db.BeginTx(ctx, opts)
		return e
	})
	if err != nil {
		return nil, err
	}
	return &TxWrapper{tx: tx, cb: dw.cb}, nil
}

// TxWrapper carries breaker protection into an open transaction.
type TxWrapper struct {
	tx *sql.Tx
	cb *Breaker
}

func (tw *TxWrapper) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	var result sql.Result
	err := guardDB(ctx, tw.cb, func() error {
		var e error
		result, e = tw.tx.ExecContext(ctx, query, args...)
		return e
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (tw *TxWrapper) QueryRowContext(ctx context.Context, query string, args ...interface{}) (*sql.Row, error) {
	var row *sql.Row
	err := guardDB(ctx, tw.cb, func() error {
		row = tw.tx.QueryRowContext(ctx, query, args...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return row, nil
}

func (tw *TxWrapper) Commit() error {
	return guardDB(context.Background(), tw.cb, tw.tx.Commit)
}

// Rollback always reaches the database, breaker state notwithstanding.
func (tw *TxWrapper) Rollback() error {
	return tw.tx.Rollback()
}

// Stats returns connection pool statistics.
func (dw *DatabaseWrapper) Stats() sql.DBStats {
	return dw.db.Stats()
}

func (dw *DatabaseWrapper) Close() error {
	return dw.db.Close()
}

// IsOpen reports whether the breaker is currently open.
func (dw *DatabaseWrapper) IsOpen() bool {
	return dw.cb.State() == StateOpen
}
