// Package ratelimit gates outbound API calls by daily quota, per-class
// pacing and a global in-flight cap.
//
// # Protocol
//
// Acquire runs in three phases:
//
//  1. Under the limiter mutex: load state, refuse if the class has used its
//     daily quota, compute the pacing wait, and reserve the start time
//     (lastRequest = now + wait) before persisting.
//  2. Outside the mutex: sleep until the reserved start time.
//  3. Take one slot of the in-flight semaphore.
//
// Because the start time is reserved before sleeping, concurrent callers of
// the same class queue up behind each other at MinInterval spacing, while
// callers of another class are not held up by the sleep at all.
//
// Release increments the day's count for the class, persists it, and frees
// the in-flight slot. Every nil-returning Acquire needs exactly one Release;
// Do wraps both around a function.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/logging"
	"github.com/JonMunkholm/wtkpipe/internal/metrics"
	"github.com/JonMunkholm/wtkpipe/internal/quota"
)

// Class is a request class with its own quota and pacing. The string value
// is the name used in the persisted state.
type Class string

const (
	// ClassBulk covers synchronous CSV downloads.
	ClassBulk Class = "csv"
	// ClassInteractive covers every other API call, such as async requests.
	ClassInteractive Class = "noncsv"
)

// Classes lists every known class.
var Classes = []Class{ClassBulk, ClassInteractive}

// Valid reports whether c is a known class.
func (c Class) Valid() bool {
	return c == ClassBulk || c == ClassInteractive
}

// Limits configures one class.
type Limits struct {
	DailyQuota  int
	MinInterval time.Duration
}

// DefaultLimits returns the NREL developer API limits: 10000 CSV downloads
// a day one second apart, 2000 other calls a day two seconds apart.
func DefaultLimits() map[Class]Limits {
	return map[Class]Limits{
		ClassBulk:        {DailyQuota: 10000, MinInterval: time.Second},
		ClassInteractive: {DailyQuota: 2000, MinInterval: 2 * time.Second},
	}
}

// ErrState wraps failures to load or save the quota state. The limiter
// cannot continue safely after one.
var ErrState = errors.New("quota state unavailable")

// ErrQuotaExceeded matches every *QuotaExceededError via errors.Is.
var ErrQuotaExceeded = errors.New("daily quota exceeded")

// QuotaExceededError reports that a class has no quota left today.
type QuotaExceededError struct {
	Class Class
	Quota int
	Day   string
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("rate limit: %s daily quota of %d reached for %s", e.Class, e.Quota, e.Day)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// Options configures a Limiter. Zero values fall back to defaults.
type Options struct {
	// Limits per class; missing classes use DefaultLimits.
	Limits map[Class]Limits

	// InFlightLimit caps concurrent guarded calls across all classes.
	InFlightLimit int

	// InFlightWait bounds how long Acquire waits for a slot. Zero waits
	// until ctx ends.
	InFlightWait time.Duration

	// Now and Sleep are clock seams for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Limiter enforces quota, pacing and the in-flight cap.
type Limiter struct {
	store    quota.Store
	limits   map[Class]Limits
	inflight *InFlight
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu sync.Mutex
	// pending counts reservations not yet released, so concurrent callers
	// cannot overrun the quota before their counts land.
	pending map[Class]int
}

// New creates a limiter persisting to store.
func New(store quota.Store, opts Options) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("rate limit: nil quota store")
	}

	limits := DefaultLimits()
	for c, lim := range opts.Limits {
		if !c.Valid() {
			return nil, fmt.Errorf("rate limit: unknown class %q", c)
		}
		if lim.DailyQuota <= 0 {
			return nil, fmt.Errorf("rate limit: %s daily quota must be positive, got %d", c, lim.DailyQuota)
		}
		if lim.MinInterval < 0 {
			return nil, fmt.Errorf("rate limit: %s min interval must be non-negative, got %s", c, lim.MinInterval)
		}
		limits[c] = lim
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &Limiter{
		store:    store,
		limits:   limits,
		inflight: NewInFlight(opts.InFlightLimit, opts.InFlightWait),
		now:      now,
		sleep:    sleep,
		pending:  make(map[Class]int),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Limits returns the effective limits for c.
func (l *Limiter) Limits(c Class) Limits {
	return l.limits[c]
}

// InFlight exposes the in-flight semaphore for monitoring.
func (l *Limiter) InFlight() *InFlight {
	return l.inflight
}

// Acquire blocks until a request of class may be issued.
//
// It fails immediately with *QuotaExceededError when the class has no
// quota left today, and with a wrapped store error when state cannot be
// read or written. If ctx ends while waiting, the pacing reservation stays
// in place and ctx.Err() is returned; no Release is needed in that case.
//
// Outstanding reservations are not tied to a day: one taken just before
// UTC midnight and released after it is counted against the new day, so
// the quota check may refuse slightly early but never lets a day overrun.
func (l *Limiter) Acquire(ctx context.Context, class Class) error {
	lim, ok := l.limits[class]
	if !ok {
		return fmt.Errorf("rate limit: unknown class %q", class)
	}

	wait, err := l.reserve(ctx, class, lim)
	if err != nil {
		return err
	}

	if wait > 0 {
		metrics.RecordPacingWait(string(class), wait)
		logging.FromContext(ctx).Debug("pacing wait", "class", class, "wait", wait)
		if err := l.sleep(ctx, wait); err != nil {
			l.cancelReservation(class)
			return err
		}
	}

	if err := l.inflight.Acquire(ctx); err != nil {
		l.cancelReservation(class)
		return err
	}
	return nil
}

// reserve performs the locked check-and-reserve phase and returns how long
// the caller must sleep before its reserved start time.
func (l *Limiter) reserve(ctx context.Context, class Class, lim Limits) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("rate limit: load state: %w: %w", ErrState, err)
	}

	now := l.now()
	day := quota.DayKey(now)
	u := st.Day(day).Get(string(class))

	if u.Count+l.pending[class] >= lim.DailyQuota {
		metrics.RecordQuotaRejection(string(class))
		return 0, &QuotaExceededError{Class: class, Quota: lim.DailyQuota, Day: day}
	}

	// Pacing also looks at yesterday so spacing holds across midnight.
	last := u.LastRequest
	if prev := st.Day(quota.DayKey(now.AddDate(0, 0, -1))).Get(string(class)).LastRequest; prev > last {
		last = prev
	}

	var wait time.Duration
	if last > 0 {
		lastT := quota.Usage{LastRequest: last}.LastRequestTime()
		if elapsed := now.Sub(lastT); elapsed < lim.MinInterval {
			wait = lim.MinInterval - elapsed
		}
	}

	start := now.Add(wait)
	st.Update(day, string(class), func(u *quota.Usage) {
		u.LastRequest = quota.Unix(start)
	})
	if err := l.store.Save(ctx, st); err != nil {
		return 0, fmt.Errorf("rate limit: save state: %w: %w", ErrState, err)
	}

	l.pending[class]++
	return wait, nil
}

func (l *Limiter) cancelReservation(class Class) {
	l.mu.Lock()
	if l.pending[class] > 0 {
		l.pending[class]--
	}
	l.mu.Unlock()
}

// Release records one completed request of class and frees its in-flight
// slot. The slot is freed even when persisting the count fails.
func (l *Limiter) Release(class Class) error {
	defer l.inflight.Release()

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending[class] > 0 {
		l.pending[class]--
	}

	// Release must land even when the caller's context was cancelled.
	ctx := context.Background()
	st, err := l.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("rate limit: load state: %w: %w", ErrState, err)
	}
	st.Update(quota.DayKey(l.now()), string(class), func(u *quota.Usage) {
		u.Count++
	})
	if err := l.store.Save(ctx, st); err != nil {
		return fmt.Errorf("rate limit: save state: %w: %w", ErrState, err)
	}
	return nil
}

// Do acquires a slot for class, runs fn, and releases the slot on every
// exit path, panics included. A Release error is joined with fn's error.
func (l *Limiter) Do(ctx context.Context, class Class, fn func(ctx context.Context) error) (err error) {
	if err := l.Acquire(ctx, class); err != nil {
		return err
	}
	defer func() {
		if rerr := l.Release(class); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn(ctx)
}

// WaitForDrain blocks until no guarded call is outstanding or ctx ends.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	return l.inflight.WaitForDrain(ctx)
}

// ClassStatus is today's usage of one class.
type ClassStatus struct {
	Class       Class     `json:"class"`
	Used        int       `json:"used"`
	Pending     int       `json:"pending"`
	Quota       int       `json:"quota"`
	Remaining   int       `json:"remaining"`
	MinInterval string    `json:"min_interval"`
	LastRequest time.Time `json:"last_request,omitzero"`
}

// Status is a snapshot of limiter state.
type Status struct {
	Day      string         `json:"day"`
	Classes  []ClassStatus  `json:"classes"`
	InFlight InFlightStatus `json:"in_flight"`
}

// Status returns today's usage for every class.
func (l *Limiter) Status(ctx context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.store.Load(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("rate limit: load state: %w: %w", ErrState, err)
	}

	day := quota.DayKey(l.now())
	out := Status{Day: day, InFlight: l.inflight.Status()}
	for _, c := range Classes {
		lim := l.limits[c]
		u := st.Day(day).Get(string(c))
		remaining := lim.DailyQuota - u.Count - l.pending[c]
		if remaining < 0 {
			remaining = 0
		}
		out.Classes = append(out.Classes, ClassStatus{
			Class:       c,
			Used:        u.Count,
			Pending:     l.pending[c],
			Quota:       lim.DailyQuota,
			Remaining:   remaining,
			MinInterval: lim.MinInterval.String(),
			LastRequest: u.LastRequestTime(),
		})
	}
	sort.Slice(out.Classes, func(i, j int) bool { return out.Classes[i].Class < out.Classes[j].Class })
	return out, nil
}
