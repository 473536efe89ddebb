package executor

import (
	"time"

	"go.uber.org/zap"

	"github.com/relay-ai/orchestrator/internal/db"
	"github.com/relay-ai/orchestrator/internal/events"
	"github.com/relay-ai/orchestrator/internal/streaming"
)

// DefaultPollInterval is the sleep between empty queue polls.
const DefaultPollInterval = 20 * time.Millisecond

// DefaultGracePeriod is how long the listener keeps draining after the
// workflow's run returns, so events still in flight are not lost. Best
// effort, not a delivery guarantee.
const DefaultGracePeriod = 100 * time.Millisecond

// listener polls the shared event queue and forwards this workflow's
// events to the broadcast sink in arrival order. The queue is shared
// across workflows; events the listener does not own are discarded.
type listener struct {
	workflowID   string
	queue        *events.Queue
	stream       *streaming.Manager
	store        *db.Client
	logger       *zap.Logger
	pollInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

func newListener(workflowID string, queue *events.Queue, stream *streaming.Manager, store *db.Client, pollInterval time.Duration, logger *zap.Logger) *listener {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &listener{
		workflowID:   workflowID,
		queue:        queue,
		stream:       stream,
		store:        store,
		logger:       logger,
		pollInterval: pollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func (l *listener) start() {
	go l.run()
}

func (l *listener) run() {
	defer close(l.doneCh)

	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		if !l.queue.IsRegistered(l.workflowID) {
			return
		}

		evt, ok := l.queue.GetNowait()
		if !ok {
			select {
			case <-l.stopCh:
				return
			case <-time.After(l.pollInterval):
			}
			continue
		}

		if evt.WorkflowID != l.workflowID {
			// Shared queue; not ours.
			continue
		}

		l.forward(evt)
	}
}

// stop lets the listener drain for the grace period, then halts it and
// waits for the loop to exit.
func (l *listener) stop(grace time.Duration) {
	if grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-l.doneCh:
			timer.Stop()
		case <-timer.C:
		}
	}
	close(l.stopCh)
	<-l.doneCh
}

// forward hands one event to the broadcast sink and queues a best-effort
// event log write. A sink failure is logged and skipped; it never
// terminates the loop.
func (l *listener) forward(evt events.Event) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("Broadcast sink panicked on event",
				zap.String("workflow_id", l.workflowID),
				zap.Any("panic", r),
			)
		}
	}()

	wire := toWire(evt)
	seq := l.stream.Publish(l.workflowID, wire)

	if l.store != nil {
		l.store.QueueWrite(db.WriteTypeEventLog, &db.EventLog{
			WorkflowID: evt.WorkflowID,
			Type:       string(evt.Type),
			Message:    evt.Title,
			Payload:    eventPayload(evt),
			Timestamp:  evt.Timestamp,
			Seq:        seq,
		}, nil)
	}
}

// toWire converts the internal event record to its broadcast form.
func toWire(evt events.Event) streaming.Event {
	data := make(map[string]interface{})
	if evt.Description != "" {
		data["description"] = evt.Description
	}
	if evt.ToolName != "" {
		data["tool_name"] = evt.ToolName
	}
	if len(evt.ToolParams) > 0 {
		data["tool_params"] = evt.ToolParams
	}
	if evt.ToolResult != "" {
		data["tool_result"] = evt.ToolResult
	}
	for k, v := range evt.Metadata {
		data[k] = v
	}
	if len(data) == 0 {
		data = nil
	}

	return streaming.Event{
		WorkflowID: evt.WorkflowID,
		Type:       string(evt.Type),
		Message:    evt.Title,
		StepNumber: evt.StepNumber,
		Data:       data,
		Timestamp:  evt.Timestamp,
	}
}

func eventPayload(evt events.Event) db.JSONB {
	payload := db.JSONB{}
	if evt.Description != "" {
		payload["description"] = evt.Description
	}
	if evt.ToolName != "" {
		payload["tool_name"] = evt.ToolName
	}
	if len(evt.ToolParams) > 0 {
		payload["tool_params"] = evt.ToolParams
	}
	if evt.ToolResult != "" {
		payload["tool_result"] = evt.ToolResult
	}
	if len(evt.Metadata) > 0 {
		payload["metadata"] = evt.Metadata
	}
	payload["step_number"] = evt.StepNumber
	return payload
}
