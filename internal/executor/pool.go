package executor

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolSaturated is returned when the pool cannot take another workflow
// without blocking.
var ErrPoolSaturated = errors.New("workflow pool saturated")

// DefaultPoolSize bounds concurrently executing workflows. Each workflow
// holds one slot for the full duration of its blocking agent-runtime call.
const DefaultPoolSize = 32

// Pool is a bounded worker pool for blocking workflow executions.
type Pool struct {
	sem chan struct{}
	wg  sync.WaitGroup
}

// NewPool creates a pool admitting at most size concurrent workflows
// (<=0 uses the default).
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// TrySubmit runs fn on a new goroutine if a slot is free, without
// blocking. Returns ErrPoolSaturated when all slots are taken.
func (p *Pool) TrySubmit(fn func()) error {
	select {
	case p.sem <- struct{}{}:
	default:
		return ErrPoolSaturated
	}
	p.run(fn)
	return nil
}

// Submit runs fn on a new goroutine, waiting for a slot or for ctx.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.run(fn)
	return nil
}

func (p *Pool) run(fn func()) {
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn()
	}()
}

// InFlight returns the number of occupied slots.
func (p *Pool) InFlight() int {
	return len(p.sem)
}

// Capacity returns the total number of slots.
func (p *Pool) Capacity() int {
	return cap(p.sem)
}

// Wait blocks until all submitted workflows finish.
func (p *Pool) Wait() {
	p.wg.Wait()
}
