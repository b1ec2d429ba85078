package queue

import (
	"context"
	"errors"
)

var (
	// ErrSaturated is returned by a Reject pool whose workers and queue are all busy.
	ErrSaturated  = errors.New("pool saturated: task rejected")
	ErrPoolClosed = errors.New("pool is shut down")
)

// Task is a unit of work executed by a Pool. The context is the pool's base context;
// tasks are not cancelled once dispatched.
type Task func(ctx context.Context)

// SaturationPolicy decides what Submit does when the queue is full.
type SaturationPolicy int

const (
	// PolicyReject fails fast with ErrSaturated.
	PolicyReject SaturationPolicy = iota
	// PolicyCallerRuns executes the task on the submitting goroutine.
	PolicyCallerRuns
)

func (p SaturationPolicy) String() string {
	switch p {
	case PolicyReject:
		return "reject"
	case PolicyCallerRuns:
		return "caller-runs"
	default:
		return "unknown"
	}
}
