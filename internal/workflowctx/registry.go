package workflowctx

import "sync"

// CancelRegistry is the process-wide set of cancelled workflow ids. It is
// written by the API-facing cancel path and read from workflow worker
// goroutines, so all access is mutex-guarded. It is injected rather than
// global so tests can run independent orchestration instances.
type CancelRegistry struct {
	mu        sync.RWMutex
	cancelled map[string]struct{}
}

// NewCancelRegistry creates an empty registry.
func NewCancelRegistry() *CancelRegistry {
	return &CancelRegistry{cancelled: make(map[string]struct{})}
}

// Mark adds a workflow id to the registry.
func (r *CancelRegistry) Mark(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled[workflowID] = struct{}{}
}

// IsCancelled reports whether the workflow has been cancelled. Safe to call
// from any goroutine, including workflow workers with no access to the
// event loop that requested cancellation.
func (r *CancelRegistry) IsCancelled(workflowID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cancelled[workflowID]
	return ok
}

// Remove clears a workflow id; called from the executor's cleanup phase.
func (r *CancelRegistry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancelled, workflowID)
}

// CheckCancellation is called at the top of every tool body. It returns
// ErrCancelled if the owning workflow is in the registry (or the local flag
// is set). Because the agent runtime cannot be preempted mid-call, this
// boundary check is the only cancellation mechanism: cancellation latency
// is bounded by the duration of the tool call currently in flight.
func CheckCancellation(wc *Context, reg *CancelRegistry) error {
	if wc == nil {
		return nil
	}
	if wc.IsCancelled() {
		return ErrCancelled
	}
	if reg != nil && reg.IsCancelled(wc.WorkflowID) {
		wc.MarkCancelled()
		return ErrCancelled
	}
	return nil
}
