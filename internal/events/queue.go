package events

import (
	"sync"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/metrics"
)

// DefaultQueueCapacity bounds the shared queue. Producers run inside the
// agent runtime's call stack and must never block on a full queue, so
// overflow drops the event instead.
const DefaultQueueCapacity = 4096

// Queue is a bounded FIFO of workflow events shared by all in-flight
// workflows. Put is called from workflow worker goroutines; GetNowait is
// called from listener loops. Both are safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	buf      []Event
	capacity int
	active   map[string]struct{}
	dropped  uint64
	logger   *zap.Logger
}

// NewQueue creates a queue with the given capacity (<=0 uses the default).
func NewQueue(capacity int, logger *zap.Logger) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		buf:      make([]Event, 0, 64),
		capacity: capacity,
		active:   make(map[string]struct{}),
		logger:   logger,
	}
}

// Register marks a workflow as active. Listener loops consume only while
// their workflow is registered.
func (q *Queue) Register(workflowID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.active[workflowID] = struct{}{}
}

// Unregister marks a workflow inactive. Stale events for it may remain in
// the buffer; listeners discard events they do not own.
func (q *Queue) Unregister(workflowID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, workflowID)
}

// IsRegistered reports whether the workflow is still active.
func (q *Queue) IsRegistered(workflowID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.active[workflowID]
	return ok
}

// Put appends an event without blocking. If the queue is full the event is
// dropped and the drop counter incremented.
func (q *Queue) Put(evt Event) bool {
	q.mu.Lock()
	if len(q.buf) >= q.capacity {
		q.dropped++
		dropped := q.dropped
		q.mu.Unlock()
		metrics.EventsDropped.Inc()
		q.logger.Warn("Event queue full, dropping event",
			zap.String("workflow_id", evt.WorkflowID),
			zap.String("event_type", string(evt.Type)),
			zap.Uint64("total_dropped", dropped),
		)
		return false
	}
	q.buf = append(q.buf, evt)
	depth := len(q.buf)
	q.mu.Unlock()

	metrics.EventsEnqueued.WithLabelValues(string(evt.Type)).Inc()
	metrics.EventQueueDepth.Set(float64(depth))
	return true
}

// GetNowait pops the oldest event across all workflows, or returns false
// if the queue is empty. Callers filter by WorkflowID.
func (q *Queue) GetNowait() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.buf) == 0 {
		return Event{}, false
	}
	evt := q.buf[0]
	// Shift rather than reslice so the backing array does not pin
	// consumed events indefinitely.
	copy(q.buf, q.buf[1:])
	q.buf = q.buf[:len(q.buf)-1]
	metrics.EventQueueDepth.Set(float64(len(q.buf)))
	return evt, true
}

// Dropped returns the running count of dropped events.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Depth returns the current buffered event count.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Capacity returns the configured maximum depth.
func (q *Queue) Capacity() int {
	return q.capacity
}
