// Package metrics is a small process-wide metrics facade.
//
// Pipeline code records through the package-level helpers; the concrete
// backend (Datadog or nothing) is chosen once in main via SetBackend. The
// default backend discards everything.
package metrics

import (
	"strconv"
	"sync"
	"time"
)

// Labels are metric dimensions, turned into tags by backends.
type Labels map[string]string

// Backend receives metric observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names. Backends ignore names they do not know.
const (
	RequestsTotal          = "wtk_requests_total"
	RequestDurationSeconds = "wtk_request_duration_seconds"
	QuotaRejectionsTotal   = "wtk_quota_rejections_total"
	PacingWaitSeconds      = "wtk_pacing_wait_seconds"
	RowsTotal              = "wtk_rows_total"
	BatchesTotal           = "wtk_batches_total"
	BatchDurationSeconds   = "wtk_batch_duration_seconds"
	RunsTotal              = "wtk_runs_total"
	RunDurationSeconds     = "wtk_run_duration_seconds"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b as the process backend. A nil b restores the no-op
// backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// IncCounter adds delta to the named counter.
func IncCounter(name string, delta float64, labels Labels) {
	current().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample of the named distribution.
func ObserveHistogram(name string, value float64, labels Labels) {
	current().ObserveHistogram(name, value, labels)
}

// Flush pushes buffered observations to the backend.
func Flush() error {
	return current().Flush()
}

// RecordRequest records one guarded API call. status is the HTTP status
// code, or 0 when the call failed before a response arrived.
func RecordRequest(class string, status int, d time.Duration) {
	st := "error"
	if status > 0 {
		st = strconv.Itoa(status)
	}
	l := Labels{"class": class, "status": st}
	IncCounter(RequestsTotal, 1, l)
	ObserveHistogram(RequestDurationSeconds, d.Seconds(), l)
}

// RecordQuotaRejection counts an acquire refused for quota.
func RecordQuotaRejection(class string) {
	IncCounter(QuotaRejectionsTotal, 1, Labels{"class": class})
}

// RecordPacingWait records how long an acquire slept for pacing.
func RecordPacingWait(class string, d time.Duration) {
	ObserveHistogram(PacingWaitSeconds, d.Seconds(), Labels{"class": class})
}

// RecordRows counts rows by kind: "loaded", "truncated" or "padded".
func RecordRows(table, kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(RowsTotal, float64(n), Labels{"table": table, "kind": kind})
}

// RecordBatch records one committed or failed insert batch.
func RecordBatch(table, status string, d time.Duration) {
	l := Labels{"table": table, "status": status}
	IncCounter(BatchesTotal, 1, l)
	ObserveHistogram(BatchDurationSeconds, d.Seconds(), l)
}

// RecordRun records one finished pipeline command by kind and outcome.
func RecordRun(kind string, ok bool, d time.Duration) {
	status := "ok"
	if !ok {
		status = "error"
	}
	l := Labels{"kind": kind, "status": status}
	IncCounter(RunsTotal, 1, l)
	ObserveHistogram(RunDurationSeconds, d.Seconds(), l)
}
