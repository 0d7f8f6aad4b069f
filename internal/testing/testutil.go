// Package testing provides test utilities for the mbostore project.
//
// Using t.Fatal or t.FailNow in a goroutine only exits that goroutine, so
// concurrent tests return errors through GoroutineTest instead.
package testing

import (
	"context"
	"fmt"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// =============================================================================
// Error Channel Pattern
// =============================================================================

// GoroutineTest runs test goroutines and reports their errors on Wait.
//
// Example usage:
//
//	func TestConcurrentIngest(t *testing.T) {
//	    gt := mbotest.NewGoroutineTest(t)
//	    defer gt.Wait()
//
//	    gt.Go(func() error {
//	        if _, err := table.Ingest(ev); err != nil {
//	            return fmt.Errorf("ingest: %w", err)
//	        }
//	        return nil
//	    })
//	}
type GoroutineTest struct {
	t      *testing.T
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewGoroutineTest creates a new GoroutineTest helper.
func NewGoroutineTest(t *testing.T) *GoroutineTest {
	return NewGoroutineTestWithTimeout(t, 0)
}

// NewGoroutineTestWithTimeout creates a GoroutineTest whose context expires
// after timeout. A zero timeout means no deadline.
func NewGoroutineTestWithTimeout(t *testing.T, timeout time.Duration) *GoroutineTest {
	var (
		base   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		base, cancel = context.WithTimeout(context.Background(), timeout)
	} else {
		base, cancel = context.WithCancel(context.Background())
	}
	group, ctx := errgroup.WithContext(base)
	return &GoroutineTest{
		t:      t,
		group:  group,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Go runs fn in a goroutine. The first error cancels Context.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.group.Go(fn)
}

// GoWithContext runs fn with the shared context.
func (gt *GoroutineTest) GoWithContext(fn func(ctx context.Context) error) {
	gt.group.Go(func() error {
		return fn(gt.ctx)
	})
}

// Wait waits for all goroutines and fails the test on the first error.
func (gt *GoroutineTest) Wait() {
	gt.t.Helper()
	err := gt.group.Wait()
	gt.cancel()
	if err != nil {
		gt.t.Fatalf("goroutine failed: %v", err)
	}
}

// Context returns the context for this test.
func (gt *GoroutineTest) Context() context.Context {
	return gt.ctx
}

// =============================================================================
// Timing Helpers
// =============================================================================

// WithTimeout runs fn and returns an error if it does not finish in time.
func WithTimeout(timeout time.Duration, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout after %v", timeout)
	}
}

// Eventually waits for a condition to become true.
//
// Example:
//
//	err := mbotest.Eventually(5*time.Second, 10*time.Millisecond, func() bool {
//	    return engine.Stats().JobsCompleted == 1
//	})
func Eventually(timeout, interval time.Duration, condition func() bool) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return nil
		}
		time.Sleep(interval)
	}
	return fmt.Errorf("condition not met within %v", timeout)
}
