package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/config"
	"github.com/JonMunkholm/wtkpipe/internal/loader"
	"github.com/JonMunkholm/wtkpipe/internal/logging"
	"github.com/JonMunkholm/wtkpipe/internal/metrics"
	"github.com/JonMunkholm/wtkpipe/internal/nrel"
	"github.com/JonMunkholm/wtkpipe/internal/ratelimit"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
	"github.com/google/uuid"
)

// ErrNoFetcher is returned by commands that call the API when the service
// was built without a client.
var ErrNoFetcher = fmt.Errorf("%w: NREL API client is not configured", config.ErrInvalid)

// ErrNoStore is returned by commands that load when the service was built
// without a destination store.
var ErrNoStore = fmt.Errorf("%w: destination store is not configured", config.ErrInvalid)

// Fetcher downloads extracts from the API. *nrel.Client implements it.
type Fetcher interface {
	DownloadCSV(ctx context.Context, year int, outDir string) (string, error)
	RequestAsync(ctx context.Context, years []int) (*nrel.AsyncAck, error)
	FetchDownload(ctx context.Context, rawURL, outDir string, now time.Time) (string, error)
}

// QuotaReporter reports limiter usage. *ratelimit.Limiter implements it.
type QuotaReporter interface {
	Status(ctx context.Context) (ratelimit.Status, error)
}

// Options configures a Service.
type Options struct {
	RawDir     string
	DataDir    string
	ExtractDir string
	Load       loader.Options

	// History is how many finished commands LastRuns keeps (default: 20)
	History int

	Now func() time.Time
}

// Service runs pipeline commands: downloads through the rate-limited
// client and loads into the destination store.
type Service struct {
	fetcher Fetcher
	store   storage.Store
	quota   QuotaReporter
	opts    Options
	now     func() time.Time

	// mu serializes commands; loads into one table are sequential.
	mu      sync.Mutex
	history *runHistory
}

// NewService creates a Service. fetcher, store and quota may each be nil
// when the caller only needs commands that do not use them.
func NewService(fetcher Fetcher, store storage.Store, quota QuotaReporter, opts Options) *Service {
	if opts.History <= 0 {
		opts.History = 20
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Service{
		fetcher: fetcher,
		store:   store,
		quota:   quota,
		opts:    opts,
		now:     now,
		history: newRunHistory(opts.History),
	}
}

// Run downloads one CSV per year, then loads every downloaded file into
// the destination table. The first failure stops the run.
func (s *Service) Run(ctx context.Context, years []int) (*RunResult, error) {
	if len(years) == 0 {
		return nil, fmt.Errorf("%w: no years to download (set YEARS)", config.ErrInvalid)
	}
	return s.execute(ctx, KindRun, func(ctx context.Context, res *RunResult) error {
		if s.fetcher == nil {
			return ErrNoFetcher
		}
		if s.store == nil {
			return ErrNoStore
		}
		res.Years = years
		log := logging.FromContext(ctx)
		for _, year := range years {
			path, err := s.fetcher.DownloadCSV(ctx, year, s.opts.RawDir)
			if err != nil {
				return fmt.Errorf("year %d: %w", year, err)
			}
			res.Downloaded = append(res.Downloaded, path)
			log.Info("downloaded", "year", year, "path", path)
		}
		return s.load(ctx, res, res.Downloaded)
	})
}

// LoadFiles loads the given files in order.
func (s *Service) LoadFiles(ctx context.Context, files []string) (*RunResult, error) {
	return s.execute(ctx, KindLoad, func(ctx context.Context, res *RunResult) error {
		return s.load(ctx, res, files)
	})
}

// LoadDir loads every CSV file under dir, compressed or not, in lexical
// order.
func (s *Service) LoadDir(ctx context.Context, dir string) (*RunResult, error) {
	return s.execute(ctx, KindLoad, func(ctx context.Context, res *RunResult) error {
		files, err := loader.FindCSVFiles(dir)
		if err != nil {
			return err
		}
		return s.load(ctx, res, files)
	})
}

// LoadArchive extracts a downloaded archive into the extract directory and
// loads the CSV files found there. An empty path selects the newest
// wtk_data_*.zip in the raw or data directory.
func (s *Service) LoadArchive(ctx context.Context, path string) (*RunResult, error) {
	return s.execute(ctx, KindLoad, func(ctx context.Context, res *RunResult) error {
		if path == "" {
			latest, err := FindLatestArchive(s.opts.RawDir, s.opts.DataDir)
			if err != nil {
				return err
			}
			path = latest
		}
		res.Archive = path
		if _, err := ExtractArchive(path, s.opts.ExtractDir); err != nil {
			return err
		}
		logging.FromContext(ctx).Info("extracted archive", "archive", path, "dir", s.opts.ExtractDir)

		files, err := loader.FindCSVFiles(s.opts.ExtractDir)
		if err != nil {
			return err
		}
		return s.load(ctx, res, files)
	})
}

// RequestAsync submits an asynchronous extract request and saves the raw
// acknowledgment to the raw directory, also when the API rejects it.
func (s *Service) RequestAsync(ctx context.Context, years []int) (*RunResult, error) {
	if len(years) == 0 {
		return nil, fmt.Errorf("%w: no years to request (set YEARS)", config.ErrInvalid)
	}
	return s.execute(ctx, KindRequest, func(ctx context.Context, res *RunResult) error {
		if s.fetcher == nil {
			return ErrNoFetcher
		}
		res.Years = years
		ack, reqErr := s.fetcher.RequestAsync(ctx, years)
		if ack == nil {
			return reqErr
		}
		res.DownloadURL = ack.DownloadURL
		path, err := nrel.SaveAck(s.opts.RawDir, ack, s.now())
		if err != nil {
			return errors.Join(reqErr, err)
		}
		res.AckPath = path
		logging.FromContext(ctx).Info("saved acknowledgment", "path", path)
		return reqErr
	})
}

// FetchAsync downloads the archive an acknowledgment pointed at into the
// raw directory.
func (s *Service) FetchAsync(ctx context.Context, rawURL string) (*RunResult, error) {
	if rawURL == "" {
		return nil, fmt.Errorf("%w: no download URL", config.ErrInvalid)
	}
	return s.execute(ctx, KindFetch, func(ctx context.Context, res *RunResult) error {
		if s.fetcher == nil {
			return ErrNoFetcher
		}
		res.DownloadURL = nrel.RedactURL(rawURL)
		path, err := s.fetcher.FetchDownload(ctx, rawURL, s.opts.RawDir, s.now())
		if err != nil {
			return err
		}
		res.Archive = path
		return nil
	})
}

// Quota reports today's API usage.
func (s *Service) Quota(ctx context.Context) (ratelimit.Status, error) {
	if s.quota == nil {
		return ratelimit.Status{}, fmt.Errorf("%w: rate limiter is not configured", config.ErrInvalid)
	}
	return s.quota.Status(ctx)
}

// LastRuns returns the most recent finished commands, newest first.
func (s *Service) LastRuns() []RunResult {
	return s.history.list()
}

func (s *Service) load(ctx context.Context, res *RunResult, files []string) error {
	if s.store == nil {
		return ErrNoStore
	}
	ld := loader.New(s.store, s.opts.Load)
	rep, err := ld.Run(ctx, files)
	res.Load = &rep
	return err
}

// execute runs fn as one command under a fresh run ID and records the
// outcome.
func (s *Service) execute(ctx context.Context, kind Kind, fn func(ctx context.Context, res *RunResult) error) (*RunResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := &RunResult{ID: uuid.NewString(), Kind: kind, Started: s.now()}
	ctx = logging.WithRunID(ctx, res.ID)
	log := logging.FromContext(ctx)
	log.Info("command started", "kind", kind)

	err := fn(ctx, res)

	res.Finished = s.now()
	if err != nil {
		msg := MapError(err)
		res.Error = err.Error()
		res.Code = msg.Code
		log.Error("command failed", "kind", kind, "code", msg.Code, "error", err)
	} else {
		log.Info("command finished", "kind", kind, "duration_ms", res.Finished.Sub(res.Started).Milliseconds())
	}
	metrics.RecordRun(string(kind), err == nil, res.Finished.Sub(res.Started))
	s.history.add(*res)
	return res, err
}
