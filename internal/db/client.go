package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/circuitbreaker"
)

const (
	writeQueueSize  = 1000
	writeWorkers    = 4
	drainDeadline   = 10 * time.Second
	pingInterval    = 30 * time.Second
	pingTimeout     = 5 * time.Second
	defaultPoolMax  = 25
	defaultPoolIdle = 5
	defaultPoolLife = 5 * time.Minute
)

// Config describes the Postgres connection.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	MaxConnections  int
	IdleConnections int
	MaxLifetime     time.Duration
	SSLMode         string
}

func (c *Config) applyDefaults() {
	if c.MaxConnections == 0 {
		c.MaxConnections = defaultPoolMax
	}
	if c.IdleConnections == 0 {
		c.IdleConnections = defaultPoolIdle
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = defaultPoolLife
	}
	if c.SSLMode == "" {
		c.SSLMode = "require"
	}
}

func (c *Config) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Client owns the Postgres pool. Writes go through the circuit breaker
// wrapper; reads use sqlx struct scanning on the same pool. Best-effort
// writes (event log rows, run snapshots) queue onto a small worker pool
// so workflow progress never waits on the database.
type Client struct {
	db     *circuitbreaker.DatabaseWrapper
	reader *sqlx.DB
	logger *zap.Logger
	config *Config

	pending  chan WriteRequest
	workerWg sync.WaitGroup
	stopCh   chan struct{}
}

// WriteType selects which row kind an async WriteRequest carries.
type WriteType int

const (
	WriteTypeRun WriteType = iota
	WriteTypeEventLog
)

func (wt WriteType) String() string {
	switch wt {
	case WriteTypeRun:
		return "Run"
	case WriteTypeEventLog:
		return "EventLog"
	default:
		return "Unknown"
	}
}

// WriteRequest is one queued async write.
type WriteRequest struct {
	Type     WriteType
	Data     interface{}
	Callback func(error)
}

// NewClient opens the pool, verifies connectivity, and starts the
// async write workers.
func NewClient(config *Config, logger *zap.Logger) (*Client, error) {
	config.applyDefaults()

	reader, err := sqlx.Open("postgres", config.dsn())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	reader.SetMaxOpenConns(config.MaxConnections)
	reader.SetMaxIdleConns(config.IdleConnections)
	reader.SetConnMaxLifetime(config.MaxLifetime)

	wrapped := circuitbreaker.NewDatabaseWrapper(reader.DB, logger)

	pingCtx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := wrapped.PingContext(pingCtx); err != nil {
		reader.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	c := &Client{
		db:      wrapped,
		reader:  reader,
		logger:  logger,
		config:  config,
		pending: make(chan WriteRequest, writeQueueSize),
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < writeWorkers; i++ {
		c.workerWg.Add(1)
		go c.writeLoop(i)
	}
	go c.pingLoop()

	logger.Info("Workflow store connected",
		zap.String("host", config.Host),
		zap.String("database", config.Database),
		zap.Int("pool_max", config.MaxConnections),
	)
	return c, nil
}

// NewClientWithDB wraps an already-open handle. No ping, no background
// workers; callers own the handle's lifecycle. Used by tests and by
// tooling that manages its own pool.
func NewClientWithDB(rawDB *sql.DB, logger *zap.Logger) *Client {
	return &Client{
		db:      circuitbreaker.NewDatabaseWrapper(rawDB, logger),
		reader:  sqlx.NewDb(rawDB, "postgres"),
		logger:  logger,
		pending: make(chan WriteRequest, writeQueueSize),
		stopCh:  make(chan struct{}),
	}
}

func (c *Client) writeLoop(id int) {
	defer c.workerWg.Done()
	for {
		select {
		case req := <-c.pending:
			c.apply(req)
		case <-c.stopCh:
			c.drain()
			c.logger.Debug("Write worker drained", zap.Int("worker", id))
			return
		}
	}
}

func (c *Client) apply(req WriteRequest) {
	var err error
	switch data := req.Data.(type) {
	case *WorkflowRun:
		err = c.SaveWorkflowRun(context.Background(), data)
	case *EventLog:
		err = c.SaveEventLog(context.Background(), data)
	default:
		err = fmt.Errorf("unsupported write payload %T", req.Data)
	}

	if req.Callback != nil {
		req.Callback(err)
	}
	if err != nil {
		c.logger.Error("Async write failed",
			zap.String("kind", req.Type.String()),
			zap.Error(err),
		)
	}
}

// drain flushes whatever is still queued at shutdown, bounded so a
// dead database cannot hang Close.
func (c *Client) drain() {
	deadline := time.After(drainDeadline)
	for {
		select {
		case req := <-c.pending:
			c.apply(req)
		case <-deadline:
			c.logger.Warn("Gave up draining write queue", zap.Int("left", len(c.pending)))
			return
		default:
			return
		}
	}
}

// QueueWrite enqueues an async write. A full queue degrades to a
// synchronous write rather than dropping the row.
func (c *Client) QueueWrite(writeType WriteType, data interface{}, callback func(error)) error {
	req := WriteRequest{Type: writeType, Data: data, Callback: callback}
	select {
	case c.pending <- req:
	default:
		c.logger.Warn("Write queue full, writing synchronously",
			zap.String("kind", writeType.String()))
		c.apply(req)
	}
	return nil
}

func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
			if err := c.db.PingContext(ctx); err != nil {
				c.logger.Error("Periodic database ping failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// Close stops the workers, flushes the queue, and closes the pool.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()

	if err := c.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	c.logger.Info("Workflow store closed")
	return nil
}

// Reader returns the sqlx handle for read queries.
func (c *Client) Reader() *sqlx.DB {
	return c.reader
}

// WithTransaction runs fn inside a breaker-protected transaction,
// rolling back on error or panic.
func (c *Client) WithTransaction(ctx context.Context, fn func(*circuitbreaker.TxWrapper) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v, after: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Wrapper exposes the breaker wrapper for health checks.
func (c *Client) Wrapper() *circuitbreaker.DatabaseWrapper {
	return c.db
}
