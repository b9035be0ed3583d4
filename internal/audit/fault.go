package audit

import (
	"fmt"
	"sync"
)

const defaultFailuresPerKey = 2

// FaultInjector forces deterministic audit failures for retry-path tests:
// the first N attempts per (aggregate id, event type) fail, later attempts
// succeed. It is never wired in production builds.
type FaultInjector struct {
	mu             sync.Mutex
	attempts       map[string]int
	failuresPerKey int
}

// NewFaultInjector creates an injector failing the first two attempts per key.
func NewFaultInjector() *FaultInjector {
	return &FaultInjector{
		attempts:       make(map[string]int),
		failuresPerKey: defaultFailuresPerKey,
	}
}

// ShouldFail records one attempt for the key and reports whether it must fail.
func (f *FaultInjector) ShouldFail(aggregateID, eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := fmt.Sprintf("%s|%s", aggregateID, eventType)
	f.attempts[key]++

	return f.attempts[key] <= f.failuresPerKey
}

// Attempts returns how many attempts were made for the key.
func (f *FaultInjector) Attempts(aggregateID, eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.attempts[fmt.Sprintf("%s|%s", aggregateID, eventType)]
}
