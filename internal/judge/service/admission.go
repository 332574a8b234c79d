// Package service orchestrates judging: admission control, the judge
// pipeline from security gate to published verdict, and verdict math.
package service

import (
	"context"
	"sync"
	"time"

	appErr "judgebox/pkg/errors"
)

// DefaultMaxConcurrent bounds simultaneous sandbox executions when no
// explicit limit is configured.
const DefaultMaxConcurrent = 5

const admissionPollInterval = 20 * time.Millisecond

// AdmissionController bounds how many jobs may hold a sandbox slot at
// once. Acquire hands out a scoped release that is safe to call from
// any exit path any number of times.
type AdmissionController struct {
	mu     sync.Mutex
	active int
	max    int
}

// NewAdmissionController creates a controller admitting up to max
// concurrent executions.
func NewAdmissionController(max int) *AdmissionController {
	if max <= 0 {
		max = DefaultMaxConcurrent
	}
	return &AdmissionController{max: max}
}

// Acquire claims a slot without blocking. When the controller is at
// capacity it returns a CapacityError the caller may surface as
// retryable.
func (a *AdmissionController) Acquire() (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active >= a.max {
		return nil, appErr.CapacityError(a.active, a.max)
	}
	a.active++
	var once sync.Once
	return func() { once.Do(a.release) }, nil
}

// AcquireWait blocks until a slot frees up or ctx is done. Queue
// consumers use it so a burst of synchronous requests cannot fail
// already-accepted jobs.
func (a *AdmissionController) AcquireWait(ctx context.Context) (func(), error) {
	for {
		release, err := a.Acquire()
		if err == nil {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(admissionPollInterval):
		}
	}
}

// ActiveJobs reports how many slots are currently held.
func (a *AdmissionController) ActiveJobs() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// MaxConcurrent reports the slot capacity.
func (a *AdmissionController) MaxConcurrent() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.max
}

func (a *AdmissionController) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active > 0 {
		a.active--
	}
}
