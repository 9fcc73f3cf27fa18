// Command wtkpipe downloads NREL Wind Toolkit extracts under the API's rate
// limits and bulk-loads them into a SQL table.
//
// Usage:
//
//	wtkpipe run     [-years 2012,2013] [-every 24h] [-status-addr :8080]
//	wtkpipe load    [-dir D | -archive F | -latest-archive | FILE...]
//	wtkpipe request [-years 2012,2013]
//	wtkpipe fetch   -url U [-load]
//	wtkpipe status
//
// Settings come from the environment and an optional .env file.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/config"
	"github.com/JonMunkholm/wtkpipe/internal/core"
	"github.com/JonMunkholm/wtkpipe/internal/logging"
	"github.com/JonMunkholm/wtkpipe/internal/metrics"
	"github.com/JonMunkholm/wtkpipe/internal/metrics/datadog"
	"github.com/JonMunkholm/wtkpipe/internal/nrel"
	"github.com/JonMunkholm/wtkpipe/internal/quota"
	"github.com/JonMunkholm/wtkpipe/internal/ratelimit"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
	"github.com/JonMunkholm/wtkpipe/internal/web"
	"github.com/joho/godotenv"

	_ "github.com/JonMunkholm/wtkpipe/internal/storage/mssql"
	_ "github.com/JonMunkholm/wtkpipe/internal/storage/mysql"
	_ "github.com/JonMunkholm/wtkpipe/internal/storage/postgres"
	_ "github.com/JonMunkholm/wtkpipe/internal/storage/sqlite"
)

const usage = `usage: wtkpipe <command> [flags]

commands:
  run      download one CSV per year, then load them
  load     load CSV files, a directory or a downloaded archive
  request  submit an asynchronous archive request
  fetch    download the archive an acknowledgment points at
  status   print today's API quota usage
`

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout, os.Stderr))
}

func realMain(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usage)
		return 2
	}
	cmd, rest := args[0], args[1:]

	// Load .env file if it exists (Overload overwrites existing env vars)
	envErr := godotenv.Overload()

	cfg, err := config.Load()
	if err != nil {
		return fail(stderr, err)
	}

	logCloser := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, logging.FileOptions{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	defer logCloser.Close()

	if envErr != nil {
		slog.Debug("no .env file found, using environment variables")
	}
	slog.Debug("configuration loaded", "config", cfg.String())

	closeMetrics, err := setupMetrics(cfg.Metrics)
	if err != nil {
		return fail(stderr, err)
	}
	defer closeMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		err = cmdRun(ctx, cfg, rest, stdout)
	case "load":
		err = cmdLoad(ctx, cfg, rest, stdout)
	case "request":
		err = cmdRequest(ctx, cfg, rest, stdout)
	case "fetch":
		err = cmdFetch(ctx, cfg, rest, stdout)
	case "status":
		err = cmdStatus(ctx, cfg, rest, stdout)
	default:
		fmt.Fprintf(stderr, "wtkpipe: unknown command %q\n\n%s", cmd, usage)
		return 2
	}
	if errors.Is(err, flag.ErrHelp) {
		return 2
	}
	if err != nil {
		return fail(stderr, err)
	}
	return 0
}

// fail reports err to the operator and returns the exit status.
func fail(stderr io.Writer, err error) int {
	msg := core.MapError(err)
	slog.Error("command failed", "code", msg.Code, "error", err)
	fmt.Fprintf(stderr, "wtkpipe: %s\n", core.FormatUserError(err))
	return 1
}

func setupMetrics(cfg config.MetricsConfig) (func(), error) {
	if cfg.Backend != "datadog" {
		return func() {}, nil
	}
	// The backend outlives the command context so the final flush still runs
	// after a signal.
	b, err := datadog.NewBackend(context.Background(), datadog.Options{
		JobName:    cfg.JobName,
		Tags:       cfg.Tags,
		FlushEvery: cfg.FlushEvery,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: metrics backend: %w", config.ErrInvalid, err)
	}
	metrics.SetBackend(b)
	return func() {
		if err := b.Close(); err != nil {
			slog.Warn("metrics flush failed", "error", err)
		}
		metrics.SetBackend(nil)
	}, nil
}

// app holds the components a command needs. Components a command does
// not ask for stay nil.
type app struct {
	limiter *ratelimit.Limiter
	store   storage.Store
	svc     *core.Service
}

func newApp(ctx context.Context, cfg *config.Config, needAPI, needStore bool) (*app, error) {
	limiter, err := ratelimit.New(quota.NewFileStore(cfg.Quota.StateFile), core.LimiterOptions(cfg.Quota))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	a := &app{limiter: limiter}

	var fetcher core.Fetcher
	if needAPI {
		if err := cfg.RequireAPI(); err != nil {
			return nil, err
		}
		fetcher = nrel.New(core.ClientConfig(cfg.API), limiter)
	}

	if needStore {
		sc, err := core.StorageConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := storage.Open(ctx, sc)
		if err != nil {
			return nil, err
		}
		a.store = store
		slog.Info("connected to database", "driver", sc.Kind, "table", cfg.Load.Table)
	}

	opts, err := core.ServiceOptions(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.svc = core.NewService(fetcher, a.store, limiter, opts)
	return a, nil
}

// Close waits briefly for guarded calls to finish and closes the store.
func (a *app) Close() {
	drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.limiter.WaitForDrain(drainCtx); err != nil {
		slog.Warn("API calls still in flight at exit", "error", err)
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
}

// years parses the -years flag, falling back to YEARS.
func years(cfg *config.Config, flagVal string) ([]int, error) {
	if flagVal == "" {
		ys, err := cfg.YearList()
		if err == nil && len(ys) == 0 {
			err = errors.New("no years configured (set YEARS or pass -years)")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
		}
		return ys, nil
	}
	ys, err := config.ParseYears(strings.Split(flagVal, ","))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	if len(ys) == 0 {
		return nil, fmt.Errorf("%w: -years is empty", config.ErrInvalid)
	}
	return ys, nil
}

func cmdRun(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	yearsFlag := fs.String("years", "", "comma-separated years (default: YEARS)")
	every := fs.Duration("every", 0, "repeat the run on this interval until interrupted")
	statusAddr := fs.String("status-addr", cfg.Server.Addr, "serve the status API on this address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ys, err := years(cfg, *yearsFlag)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, true, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if *statusAddr != "" {
		srvCfg := cfg.Server
		srvCfg.Addr = *statusAddr
		srv := web.NewServer(a.svc, srvCfg)
		go func() {
			if err := srv.Run(ctx); err != nil {
				slog.Error("status server failed", "error", err)
			}
		}()
	}

	if *every > 0 {
		n := a.svc.Schedule(ctx, *every, ys)
		fmt.Fprintf(stdout, "scheduler stopped after %d runs\n", n)
		return nil
	}

	res, err := a.svc.Run(ctx, ys)
	if res != nil {
		printResult(stdout, res)
	}
	return err
}

func cmdLoad(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	dir := fs.String("dir", "", "load every CSV under this directory")
	archive := fs.String("archive", "", "extract this archive, then load its CSV files")
	latest := fs.Bool("latest-archive", false, "extract the newest downloaded archive, then load it")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, false, true)
	if err != nil {
		return err
	}
	defer a.Close()

	var res *core.RunResult
	switch {
	case *archive != "" || *latest:
		res, err = a.svc.LoadArchive(ctx, *archive)
	case fs.NArg() > 0:
		res, err = a.svc.LoadFiles(ctx, fs.Args())
	case *dir != "":
		res, err = a.svc.LoadDir(ctx, *dir)
	default:
		res, err = a.svc.LoadDir(ctx, cfg.Paths.RawDir)
	}
	if res != nil {
		printResult(stdout, res)
	}
	return err
}

func cmdRequest(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("request", flag.ContinueOnError)
	yearsFlag := fs.String("years", "", "comma-separated years (default: YEARS)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ys, err := years(cfg, *yearsFlag)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, true, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.RequestAsync(ctx, ys)
	if res != nil {
		printResult(stdout, res)
	}
	return err
}

func cmdFetch(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	rawURL := fs.String("url", "", "download URL from the acknowledgment")
	andLoad := fs.Bool("load", false, "extract and load the archive after downloading")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, true, *andLoad)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.FetchAsync(ctx, *rawURL)
	if res != nil {
		printResult(stdout, res)
	}
	if err != nil || !*andLoad {
		return err
	}

	res, err = a.svc.LoadArchive(ctx, res.Archive)
	if res != nil {
		printResult(stdout, res)
	}
	return err
}

func cmdStatus(ctx context.Context, cfg *config.Config, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, false, false)
	if err != nil {
		return err
	}
	defer a.Close()

	st, err := a.svc.Quota(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}

// printResult writes a short human summary of a finished command.
func printResult(w io.Writer, res *core.RunResult) {
	fmt.Fprintf(w, "%s %s", res.Kind, res.ID)
	if !res.OK() {
		fmt.Fprintf(w, " failed (%s)\n", res.Code)
	} else {
		fmt.Fprintf(w, " ok in %s\n", res.Finished.Sub(res.Started).Round(time.Millisecond))
	}
	for _, p := range res.Downloaded {
		fmt.Fprintf(w, "  downloaded %s\n", p)
	}
	if res.AckPath != "" {
		fmt.Fprintf(w, "  acknowledgment %s\n", res.AckPath)
	}
	if res.DownloadURL != "" {
		fmt.Fprintf(w, "  download url %s\n", res.DownloadURL)
	}
	if res.Archive != "" {
		fmt.Fprintf(w, "  archive %s\n", res.Archive)
	}
	if r := res.Load; r != nil {
		for _, f := range r.Files {
			fmt.Fprintf(w, "  loaded %s: %d rows in %d batches (%d truncated, %d padded)\n",
				f.File, f.Rows, f.Batches, f.Truncated, f.Padded)
		}
		fmt.Fprintf(w, "  table %s: %d rows from %d files\n", r.Table, r.Rows, len(r.Files))
	}
}
