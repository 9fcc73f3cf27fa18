package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/quota"
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// sleeper advances the fake clock instead of sleeping and records waits.
type sleeper struct {
	clock *fakeClock
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	if s.clock != nil {
		s.clock.Advance(d)
	}
	return ctx.Err()
}

func newTestLimiter(t *testing.T, store quota.Store, clock *fakeClock, limits map[Class]Limits, inflight int) (*Limiter, *sleeper) {
	t.Helper()
	sl := &sleeper{clock: clock}
	l, err := New(store, Options{
		Limits:        limits,
		InFlightLimit: inflight,
		Now:           clock.Now,
		Sleep:         sl.Sleep,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, sl
}

func noop(context.Context) error { return nil }

func TestLimiter_QuotaExceededAfterQRequests(t *testing.T) {
	const q = 5
	store := quota.NewMemoryStore(nil)
	l, _ := newTestLimiter(t, store, newFakeClock(), map[Class]Limits{
		ClassBulk: {DailyQuota: q},
	}, 0)
	ctx := context.Background()

	for i := 0; i < q; i++ {
		if err := l.Do(ctx, ClassBulk, noop); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}

	err := l.Acquire(ctx, ClassBulk)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Acquire() error = %v, want ErrQuotaExceeded", err)
	}
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("error %T is not *QuotaExceededError", err)
	}
	if qe.Class != ClassBulk || qe.Quota != q || qe.Day != "2024-06-01" {
		t.Errorf("QuotaExceededError = %+v", qe)
	}

	if got := store.Snapshot().Day("2024-06-01").Get("csv").Count; got != q {
		t.Errorf("stored count = %d, want %d", got, q)
	}
	if got := l.InFlight().ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
}

func TestLimiter_QuotaIsPerClass(t *testing.T) {
	l, _ := newTestLimiter(t, quota.NewMemoryStore(nil), newFakeClock(), map[Class]Limits{
		ClassBulk:        {DailyQuota: 1},
		ClassInteractive: {DailyQuota: 1},
	}, 0)
	ctx := context.Background()

	if err := l.Do(ctx, ClassBulk, noop); err != nil {
		t.Fatal(err)
	}
	if err := l.Do(ctx, ClassInteractive, noop); err != nil {
		t.Errorf("interactive should have its own quota: %v", err)
	}
}

func TestLimiter_QuotaResetsOnNewDay(t *testing.T) {
	clock := newFakeClock()
	l, _ := newTestLimiter(t, quota.NewMemoryStore(nil), clock, map[Class]Limits{
		ClassBulk: {DailyQuota: 1},
	}, 0)
	ctx := context.Background()

	if err := l.Do(ctx, ClassBulk, noop); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx, ClassBulk); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("Acquire() error = %v, want ErrQuotaExceeded", err)
	}

	clock.Advance(24 * time.Hour)
	if err := l.Do(ctx, ClassBulk, noop); err != nil {
		t.Errorf("Acquire on next day: %v", err)
	}
}

func TestLimiter_QuotaSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rate_state.json")
	clock := newFakeClock()
	limits := map[Class]Limits{ClassBulk: {DailyQuota: 2}}
	ctx := context.Background()

	first, _ := newTestLimiter(t, quota.NewFileStore(path), clock, limits, 0)
	for i := 0; i < 2; i++ {
		if err := first.Do(ctx, ClassBulk, noop); err != nil {
			t.Fatal(err)
		}
	}

	second, _ := newTestLimiter(t, quota.NewFileStore(path), clock, limits, 0)
	if err := second.Acquire(ctx, ClassBulk); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Acquire() after restart error = %v, want ErrQuotaExceeded", err)
	}
}

func TestLimiter_OutstandingReservationsCountTowardQuota(t *testing.T) {
	l, _ := newTestLimiter(t, quota.NewMemoryStore(nil), newFakeClock(), map[Class]Limits{
		ClassBulk: {DailyQuota: 2},
	}, 0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, ClassBulk); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Acquire(ctx, ClassBulk); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("third Acquire() error = %v, want ErrQuotaExceeded", err)
	}
	_ = l.Release(ClassBulk)
	_ = l.Release(ClassBulk)
}

func TestLimiter_PacingSpacesRequests(t *testing.T) {
	store := quota.NewMemoryStore(nil)
	clock := newFakeClock()
	l, sl := newTestLimiter(t, store, clock, map[Class]Limits{
		ClassBulk: {DailyQuota: 100, MinInterval: time.Second},
	}, 0)
	ctx := context.Background()

	var stamps []float64
	for i := 0; i < 3; i++ {
		if err := l.Acquire(ctx, ClassBulk); err != nil {
			t.Fatal(err)
		}
		stamps = append(stamps, store.Snapshot().Day("2024-06-01").Get("csv").LastRequest)
		if err := l.Release(ClassBulk); err != nil {
			t.Fatal(err)
		}
		clock.Advance(250 * time.Millisecond)
	}

	for i := 1; i < len(stamps); i++ {
		if gap := stamps[i] - stamps[i-1]; gap < 1.0 {
			t.Errorf("gap between request %d and %d = %vs, want >= 1s", i, i+1, gap)
		}
	}
	want := []time.Duration{750 * time.Millisecond, 750 * time.Millisecond}
	if len(sl.waits) != len(want) {
		t.Fatalf("waits = %v, want %v", sl.waits, want)
	}
	for i := range want {
		if sl.waits[i] != want[i] {
			t.Errorf("wait[%d] = %v, want %v", i, sl.waits[i], want[i])
		}
	}
}

func TestLimiter_NoWaitAfterInterval(t *testing.T) {
	clock := newFakeClock()
	l, sl := newTestLimiter(t, quota.NewMemoryStore(nil), clock, map[Class]Limits{
		ClassInteractive: {DailyQuota: 10, MinInterval: 2 * time.Second},
	}, 0)
	ctx := context.Background()

	_ = l.Do(ctx, ClassInteractive, noop)
	clock.Advance(3 * time.Second)
	_ = l.Do(ctx, ClassInteractive, noop)

	if len(sl.waits) != 0 {
		t.Errorf("waits = %v, want none", sl.waits)
	}
}

func TestLimiter_ConcurrentReservationsQueue(t *testing.T) {
	const callers = 5
	// the clock does not move, so every wait is a pure reservation offset
	clock := newFakeClock()
	sl := &sleeper{}
	l, err := New(quota.NewMemoryStore(nil), Options{
		Limits: map[Class]Limits{ClassBulk: {DailyQuota: 100, MinInterval: time.Second}},
		Now:    clock.Now,
		Sleep:  sl.Sleep,
	})
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Do(context.Background(), ClassBulk, noop); err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	waits := append([]time.Duration(nil), sl.waits...)
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	// the first caller does not sleep at all
	if len(waits) != callers-1 {
		t.Fatalf("waits = %v, want %d entries", waits, callers-1)
	}
	for i, w := range waits {
		if want := time.Duration(i+1) * time.Second; w != want {
			t.Errorf("wait[%d] = %v, want %v", i, w, want)
		}
	}
}

func TestLimiter_PacingDoesNotBlockOtherClass(t *testing.T) {
	clock := newFakeClock()
	store := quota.NewMemoryStore(nil)
	release := make(chan struct{})
	sleeping := make(chan struct{}, 1)

	l, err := New(store, Options{
		Limits: map[Class]Limits{
			ClassBulk:        {DailyQuota: 10, MinInterval: time.Hour},
			ClassInteractive: {DailyQuota: 10, MinInterval: time.Hour},
		},
		Now: clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			sleeping <- struct{}{}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Prime the bulk class so the next bulk acquire must wait an hour.
	if err := l.Do(ctx, ClassBulk, noop); err != nil {
		t.Fatal(err)
	}

	bulkDone := make(chan error, 1)
	go func() { bulkDone <- l.Do(ctx, ClassBulk, noop) }()
	<-sleeping

	done := make(chan error, 1)
	go func() { done <- l.Do(ctx, ClassInteractive, noop) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("interactive Do() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("interactive request blocked behind bulk pacing")
	}

	close(release)
	if err := <-bulkDone; err != nil {
		t.Errorf("bulk Do() error = %v", err)
	}
}

func TestLimiter_InFlightNeverExceedsCap(t *testing.T) {
	const limit = 3
	l, err := New(quota.NewMemoryStore(nil), Options{
		Limits: map[Class]Limits{
			ClassBulk:        {DailyQuota: 1000},
			ClassInteractive: {DailyQuota: 1000},
		},
		InFlightLimit: limit,
	})
	if err != nil {
		t.Fatal(err)
	}

	var active, maxSeen int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		class := ClassBulk
		if i%2 == 1 {
			class = ClassInteractive
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.Do(context.Background(), class, func(context.Context) error {
				n := atomic.AddInt64(&active, 1)
				for {
					m := atomic.LoadInt64(&maxSeen)
					if n <= m || atomic.CompareAndSwapInt64(&maxSeen, m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt64(&active, -1)
				return nil
			})
			if err != nil {
				t.Errorf("Do() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if maxSeen > limit {
		t.Errorf("observed %d concurrent calls, cap %d", maxSeen, limit)
	}
	if got := l.InFlight().Peak(); got > limit {
		t.Errorf("Peak = %d, cap %d", got, limit)
	}
}

func TestLimiter_DoReleasesOnError(t *testing.T) {
	store := quota.NewMemoryStore(nil)
	l, _ := newTestLimiter(t, store, newFakeClock(), nil, 1)
	boom := errors.New("transport failed")

	err := l.Do(context.Background(), ClassBulk, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Do() error = %v, want %v", err, boom)
	}
	if got := l.InFlight().Available(); got != 1 {
		t.Errorf("Available = %d, want 1", got)
	}
	// failed calls still consume quota
	if got := store.Snapshot().Day("2024-06-01").Get("csv").Count; got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestLimiter_DoReleasesOnPanic(t *testing.T) {
	l, _ := newTestLimiter(t, quota.NewMemoryStore(nil), newFakeClock(), nil, 1)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("panic was swallowed")
			}
		}()
		_ = l.Do(context.Background(), ClassBulk, func(context.Context) error { panic("boom") })
	}()

	if got := l.InFlight().Available(); got != 1 {
		t.Errorf("Available = %d, want 1", got)
	}
}

func TestLimiter_PersistFailureIsFatal(t *testing.T) {
	store := quota.NewMemoryStore(nil)
	store.FailSave = errors.New("read-only filesystem")
	l, _ := newTestLimiter(t, store, newFakeClock(), nil, 0)

	err := l.Acquire(context.Background(), ClassBulk)
	if err == nil {
		t.Fatal("Acquire() should fail when state cannot be saved")
	}
	if errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("persistence failure reported as quota: %v", err)
	}
	if got := l.InFlight().ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
}

func TestLimiter_CancelDuringPacingKeepsReservation(t *testing.T) {
	store := quota.NewMemoryStore(nil)
	clock := newFakeClock()
	l, err := New(store, Options{
		Limits: map[Class]Limits{ClassBulk: {DailyQuota: 10, MinInterval: time.Second}},
		Now:    clock.Now,
		Sleep: func(ctx context.Context, d time.Duration) error {
			return context.Canceled
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := l.Do(ctx, ClassBulk, noop); err != nil {
		t.Fatal(err)
	}
	if err := l.Acquire(ctx, ClassBulk); !errors.Is(err, context.Canceled) {
		t.Fatalf("Acquire() error = %v, want context.Canceled", err)
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	bulk := st.Classes[0]
	if bulk.Class != ClassBulk || bulk.Used != 1 || bulk.Pending != 0 || bulk.Remaining != 9 {
		t.Errorf("bulk status = %+v", bulk)
	}
	// reservation kept: last request is one interval after the first
	if got := store.Snapshot().Day("2024-06-01").Get("csv").LastRequest; got != quota.Unix(t0.Add(time.Second)) {
		t.Errorf("LastRequest = %v, want %v", got, quota.Unix(t0.Add(time.Second)))
	}
	if got := l.InFlight().ActiveCount(); got != 0 {
		t.Errorf("ActiveCount = %d, want 0", got)
	}
}

func TestLimiter_UnknownClass(t *testing.T) {
	l, _ := newTestLimiter(t, quota.NewMemoryStore(nil), newFakeClock(), nil, 0)
	if err := l.Acquire(context.Background(), Class("bogus")); err == nil {
		t.Error("Acquire() should reject unknown classes")
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name   string
		limits map[Class]Limits
	}{
		{"zero quota", map[Class]Limits{ClassBulk: {DailyQuota: 0}}},
		{"negative interval", map[Class]Limits{ClassBulk: {DailyQuota: 1, MinInterval: -time.Second}}},
		{"unknown class", map[Class]Limits{"bogus": {DailyQuota: 1}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(quota.NewMemoryStore(nil), Options{Limits: tt.limits}); err == nil {
				t.Error("New() should fail")
			}
		})
	}

	if _, err := New(nil, Options{}); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestDefaultLimits(t *testing.T) {
	d := DefaultLimits()
	if d[ClassBulk].DailyQuota != 10000 || d[ClassBulk].MinInterval != time.Second {
		t.Errorf("bulk = %+v", d[ClassBulk])
	}
	if d[ClassInteractive].DailyQuota != 2000 || d[ClassInteractive].MinInterval != 2*time.Second {
		t.Errorf("interactive = %+v", d[ClassInteractive])
	}
}

func TestStatus_IdleClassOmitsLastRequest(t *testing.T) {
	clock := newFakeClock()
	l, _ := newTestLimiter(t, quota.NewMemoryStore(nil), clock, nil, 0)
	ctx := context.Background()

	if err := l.Do(ctx, ClassBulk, noop); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	st, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}

	for _, cs := range st.Classes {
		raw, err := json.Marshal(cs)
		if err != nil {
			t.Fatalf("marshal %s: %v", cs.Class, err)
		}
		has := strings.Contains(string(raw), `"last_request"`)
		switch cs.Class {
		case ClassBulk:
			if !has {
				t.Errorf("%s status %s lacks last_request", cs.Class, raw)
			}
		case ClassInteractive:
			if has {
				t.Errorf("idle %s status %s has last_request", cs.Class, raw)
			}
		}
	}
}

func TestLimiter_ReleaseAfterMidnightCountsNewDay(t *testing.T) {
	clock := newFakeClock()
	l, _ := newTestLimiter(t, quota.NewMemoryStore(nil), clock, map[Class]Limits{
		ClassBulk: {DailyQuota: 1},
	}, 0)
	ctx := context.Background()

	if err := l.Acquire(ctx, ClassBulk); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	clock.Advance(12 * time.Hour)
	if err := l.Release(ClassBulk); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	st, err := l.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if st.Day != "2024-06-02" {
		t.Fatalf("Day = %q, want 2024-06-02", st.Day)
	}
	for _, cs := range st.Classes {
		if cs.Class == ClassBulk && cs.Used != 1 {
			t.Errorf("bulk Used = %d, want 1", cs.Used)
		}
	}
	if err := l.Acquire(ctx, ClassBulk); !errors.Is(err, ErrQuotaExceeded) {
		t.Errorf("Acquire() error = %v, want ErrQuotaExceeded", err)
	}
}
