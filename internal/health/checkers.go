package health

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/circuitbreaker"
	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/executor"
)

// slowPing marks a dependency as degraded when a round trip takes
// longer than this.
const slowPing = 100 * time.Millisecond

func begin(component string, critical bool) CheckResult {
	return CheckResult{
		Component: component,
		Critical:  critical,
		Timestamp: time.Now(),
	}
}

func (r *CheckResult) fail(msg, errText string) CheckResult {
	r.Status = StatusUnhealthy
	r.Message = msg
	r.Error = errText
	r.Duration = time.Since(r.Timestamp)
	return *r
}

// RedisHealthChecker pings the session store.
type RedisHealthChecker struct {
	wrapper *circuitbreaker.RedisWrapper
	logger  *zap.Logger
}

func NewRedisHealthChecker(wrapper *circuitbreaker.RedisWrapper, logger *zap.Logger) *RedisHealthChecker {
	return &RedisHealthChecker{wrapper: wrapper, logger: logger}
}

func (r *RedisHealthChecker) Name() string           { return "redis" }
func (r *RedisHealthChecker) IsCritical() bool       { return false } // Sessions degrade, workflows still run
func (r *RedisHealthChecker) Timeout() time.Duration { return 5 * time.Second }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	res := begin("redis", false)

	if r.wrapper.IsOpen() {
		return res.fail("redis breaker is open", "circuit breaker open")
	}
	if err := r.wrapper.Ping(ctx).Err(); err != nil {
		return res.fail("redis ping failed", err.Error())
	}

	res.Duration = time.Since(res.Timestamp)
	res.Status = StatusHealthy
	res.Message = "redis reachable"
	if res.Duration > slowPing {
		res.Status = StatusDegraded
		res.Message = "redis responding slowly"
	}
	res.Details = map[string]interface{}{
		"latency_ms": res.Duration.Milliseconds(),
	}
	return res
}

// DatabaseHealthChecker pings the workflow store and inspects its
// connection pool.
type DatabaseHealthChecker struct {
	wrapper *circuitbreaker.DatabaseWrapper
	logger  *zap.Logger
}

func NewDatabaseHealthChecker(wrapper *circuitbreaker.DatabaseWrapper, logger *zap.Logger) *DatabaseHealthChecker {
	return &DatabaseHealthChecker{wrapper: wrapper, logger: logger}
}

func (d *DatabaseHealthChecker) Name() string           { return "database" }
func (d *DatabaseHealthChecker) IsCritical() bool       { return true }
func (d *DatabaseHealthChecker) Timeout() time.Duration { return 5 * time.Second }

func (d *DatabaseHealthChecker) Check(ctx context.Context) CheckResult {
	res := begin("database", true)

	if d.wrapper.IsOpen() {
		return res.fail("database breaker is open", "circuit breaker open")
	}
	if err := d.wrapper.PingContext(ctx); err != nil {
		return res.fail("database ping failed", err.Error())
	}

	res.Duration = time.Since(res.Timestamp)
	stats := d.wrapper.Stats()

	switch {
	case stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections:
		res.Status = StatusDegraded
		res.Message = "database pool exhausted"
	case res.Duration > slowPing:
		res.Status = StatusDegraded
		res.Message = "database responding slowly"
	default:
		res.Status = StatusHealthy
		res.Message = "database reachable"
	}
	res.Details = map[string]interface{}{
		"latency_ms": res.Duration.Milliseconds(),
		"pool_open":  stats.OpenConnections,
		"pool_max":   stats.MaxOpenConnections,
		"pool_idle":  stats.Idle,
		"pool_busy":  stats.InUse,
	}
	return res
}

// EventQueueHealthChecker watches the shared event queue for
// backpressure. Drops between two consecutive checks mean consumers
// are not keeping up.
type EventQueueHealthChecker struct {
	queue       *events.Queue
	logger      *zap.Logger
	lastDropped uint64
}

func NewEventQueueHealthChecker(queue *events.Queue, logger *zap.Logger) *EventQueueHealthChecker {
	return &EventQueueHealthChecker{queue: queue, logger: logger}
}

func (e *EventQueueHealthChecker) Name() string           { return "event_queue" }
func (e *EventQueueHealthChecker) IsCritical() bool       { return false } // Drops are allowed under pressure
func (e *EventQueueHealthChecker) Timeout() time.Duration { return time.Second }

func (e *EventQueueHealthChecker) Check(ctx context.Context) CheckResult {
	res := begin("event_queue", false)

	depth := e.queue.Depth()
	capacity := e.queue.Capacity()
	dropped := e.queue.Dropped()
	delta := dropped - e.lastDropped
	e.lastDropped = dropped

	switch {
	case delta > 0:
		res.Status = StatusDegraded
		res.Message = fmt.Sprintf("dropped %d events since last check", delta)
	case capacity > 0 && depth*10 >= capacity*9:
		res.Status = StatusDegraded
		res.Message = "event queue above 90% capacity"
	default:
		res.Status = StatusHealthy
		res.Message = "event queue draining normally"
	}

	res.Duration = time.Since(res.Timestamp)
	res.Details = map[string]interface{}{
		"depth":         depth,
		"capacity":      capacity,
		"dropped_total": dropped,
	}
	return res
}

// WorkflowPoolHealthChecker reports when the workflow pool is
// saturated and rejecting new starts.
type WorkflowPoolHealthChecker struct {
	pool   *executor.Pool
	logger *zap.Logger
}

func NewWorkflowPoolHealthChecker(pool *executor.Pool, logger *zap.Logger) *WorkflowPoolHealthChecker {
	return &WorkflowPoolHealthChecker{pool: pool, logger: logger}
}

func (p *WorkflowPoolHealthChecker) Name() string           { return "workflow_pool" }
func (p *WorkflowPoolHealthChecker) IsCritical() bool       { return false }
func (p *WorkflowPoolHealthChecker) Timeout() time.Duration { return time.Second }

func (p *WorkflowPoolHealthChecker) Check(ctx context.Context) CheckResult {
	res := begin("workflow_pool", false)

	inFlight := p.pool.InFlight()
	capacity := p.pool.Capacity()

	res.Status = StatusHealthy
	res.Message = "workflow pool has headroom"
	if inFlight >= capacity {
		res.Status = StatusDegraded
		res.Message = "workflow pool saturated, new starts are rejected"
	}

	res.Duration = time.Since(res.Timestamp)
	res.Details = map[string]interface{}{
		"in_flight": inFlight,
		"capacity":  capacity,
	}
	return res
}

// CustomHealthChecker wraps an arbitrary check function.
type CustomHealthChecker struct {
	name     string
	critical bool
	timeout  time.Duration
	checkFn  func(ctx context.Context) CheckResult
}

func NewCustomHealthChecker(name string, critical bool, timeout time.Duration, checkFn func(ctx context.Context) CheckResult) *CustomHealthChecker {
	return &CustomHealthChecker{name: name, critical: critical, timeout: timeout, checkFn: checkFn}
}

func (c *CustomHealthChecker) Name() string           { return c.name }
func (c *CustomHealthChecker) IsCritical() bool       { return c.critical }
func (c *CustomHealthChecker) Timeout() time.Duration { return c.timeout }

func (c *CustomHealthChecker) Check(ctx context.Context) CheckResult {
	return c.checkFn(ctx)
}
