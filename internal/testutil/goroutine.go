// Package testutil provides test utilities for the evtrack project:
// goroutine-safe error collection and telemetry fixtures.
//
// Using t.Fatal or t.FailNow in a goroutine does not stop the test because
// these functions call runtime.Goexit(), which only exits the current
// goroutine. Goroutines started through GoroutineTest return errors instead.
package testutil

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

// GoroutineTest collects errors from goroutines and reports them on Wait.
//
// Example usage:
//
//	func TestConcurrentIngest(t *testing.T) {
//	    gt := testutil.NewGoroutineTest(t)
//	    defer gt.Wait()
//
//	    for _, vin := range vins {
//	        gt.Go(func() error {
//	            _, _, err := r.Ingest(vin, group)
//	            return err
//	        })
//	    }
//	}
type GoroutineTest struct {
	t      testing.TB
	wg     sync.WaitGroup
	errors chan error
}

// NewGoroutineTest creates a new GoroutineTest helper.
func NewGoroutineTest(t testing.TB) *GoroutineTest {
	return &GoroutineTest{
		t:      t,
		errors: make(chan error, 100), // buffered to avoid blocking
	}
}

// Go runs fn in a goroutine and records its error.
func (gt *GoroutineTest) Go(fn func() error) {
	gt.wg.Add(1)
	go func() {
		defer gt.wg.Done()
		if err := fn(); err != nil {
			select {
			case gt.errors <- err:
			default:
				gt.t.Logf("error channel full, dropping error: %v", err)
			}
		}
	}()
}

// Wait waits for all goroutines and fails the test if any returned an error.
func (gt *GoroutineTest) Wait() {
	gt.wg.Wait()
	close(gt.errors)

	var errs []error
	for err := range gt.errors {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		gt.t.Errorf("goroutine test failed with %d error(s):", len(errs))
		for i, err := range errs {
			gt.t.Errorf("  [%d] %v", i+1, err)
		}
		gt.t.FailNow()
	}
}

// Eventually waits for a condition to become true.
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
