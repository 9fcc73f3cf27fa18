package ratelimit

// inflight.go implements the global cap on outstanding guarded calls.
//
// The cap is a counting semaphore shared by every request class. A slot is
// taken at the end of Limiter.Acquire, after pacing, and handed back by
// Limiter.Release. WaitForDrain lets shutdown wait for outstanding calls.

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrInFlightTimeout is returned when a slot does not free up within the
// configured wait.
var ErrInFlightTimeout = errors.New("timed out waiting for an in-flight slot")

// DefaultInFlightLimit is the default cap on concurrent guarded calls.
const DefaultInFlightLimit = 20

// InFlight is a counting semaphore with observable occupancy.
type InFlight struct {
	semaphore chan struct{}
	maxWait   time.Duration

	mu     sync.RWMutex
	active int
	peak   int
}

// NewInFlight creates a semaphore with limit slots. A non-positive limit
// uses DefaultInFlightLimit. With maxWait > 0, Acquire gives up after that
// long; otherwise it waits until a slot frees or ctx ends.
func NewInFlight(limit int, maxWait time.Duration) *InFlight {
	if limit <= 0 {
		limit = DefaultInFlightLimit
	}
	return &InFlight{
		semaphore: make(chan struct{}, limit),
		maxWait:   maxWait,
	}
}

// Acquire blocks until a slot is available.
// The caller MUST call Release exactly once after a nil return.
func (f *InFlight) Acquire(ctx context.Context) error {
	waitCtx := ctx
	if f.maxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, f.maxWait)
		defer cancel()
	}

	select {
	case f.semaphore <- struct{}{}:
		f.taken()
		return nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrInFlightTimeout
	}
}

// TryAcquire takes a slot without blocking and reports whether it did.
func (f *InFlight) TryAcquire() bool {
	select {
	case f.semaphore <- struct{}{}:
		f.taken()
		return true
	default:
		return false
	}
}

func (f *InFlight) taken() {
	f.mu.Lock()
	f.active++
	if f.active > f.peak {
		f.peak = f.active
	}
	f.mu.Unlock()
}

// Release returns a slot taken by Acquire or TryAcquire. A Release with no
// slot held is logged and ignored.
func (f *InFlight) Release() {
	select {
	case <-f.semaphore:
	default:
		slog.Error("in-flight release without a held slot")
		return
	}

	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

// ActiveCount returns the number of held slots.
func (f *InFlight) ActiveCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// Peak returns the highest ActiveCount observed since creation.
func (f *InFlight) Peak() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.peak
}

// MaxConcurrent returns the slot count.
func (f *InFlight) MaxConcurrent() int {
	return cap(f.semaphore)
}

// Available returns the number of free slots.
func (f *InFlight) Available() int {
	return cap(f.semaphore) - len(f.semaphore)
}

// WaitForDrain blocks until no slot is held or ctx is done.
func (f *InFlight) WaitForDrain(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if f.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// InFlightStatus is a snapshot of semaphore occupancy.
type InFlightStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
	Peak          int `json:"peak"`
}

// Status returns the current occupancy.
func (f *InFlight) Status() InFlightStatus {
	f.mu.RLock()
	active, peak := f.active, f.peak
	f.mu.RUnlock()

	return InFlightStatus{
		Active:        active,
		Available:     cap(f.semaphore) - len(f.semaphore),
		MaxConcurrent: cap(f.semaphore),
		Peak:          peak,
	}
}
