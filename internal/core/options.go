package core

import (
	"fmt"

	"github.com/JonMunkholm/wtkpipe/internal/config"
	"github.com/JonMunkholm/wtkpipe/internal/loader"
	"github.com/JonMunkholm/wtkpipe/internal/nrel"
	"github.com/JonMunkholm/wtkpipe/internal/ratelimit"
	"github.com/JonMunkholm/wtkpipe/internal/storage"
)

// LimiterOptions converts quota settings to limiter options.
func LimiterOptions(q config.QuotaConfig) ratelimit.Options {
	return ratelimit.Options{
		Limits: map[ratelimit.Class]ratelimit.Limits{
			ratelimit.ClassBulk: {
				DailyQuota:  q.BulkDailyQuota,
				MinInterval: config.Seconds(q.BulkMinInterval),
			},
			ratelimit.ClassInteractive: {
				DailyQuota:  q.InteractiveDailyQuota,
				MinInterval: config.Seconds(q.InteractiveMinInterval),
			},
		},
		InFlightLimit: q.InFlightLimit,
		InFlightWait:  q.InFlightWait,
	}
}

// LoaderOptions converts load settings to loader options.
func LoaderOptions(l config.LoadConfig) (loader.Options, error) {
	delim, err := l.Delim()
	if err != nil {
		return loader.Options{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	rows, err := loader.ParseRowPolicy(l.RowPolicy)
	if err != nil {
		return loader.Options{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	schemas, err := loader.ParseSchemaPolicy(l.SchemaPolicy)
	if err != nil {
		return loader.Options{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return loader.Options{
		Table:        l.Table,
		ChunkSize:    l.ChunkSize,
		SampleRows:   l.SampleRows,
		InferRows:    l.InferRows,
		Delimiter:    delim,
		SkipLines:    l.SkipLines,
		RowPolicy:    rows,
		SchemaPolicy: schemas,
	}, nil
}

// StorageConfig converts storage settings to a backend config.
func StorageConfig(cfg *config.Config) (storage.Config, error) {
	dsn, err := cfg.DSN()
	if err != nil {
		return storage.Config{}, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}
	return storage.Config{
		Kind:            cfg.Storage.Driver,
		DSN:             dsn,
		MaxConns:        cfg.Storage.MaxConns,
		MinConns:        cfg.Storage.MinConns,
		MaxConnLifetime: cfg.Storage.MaxConnLifetime,
		MaxConnIdleTime: cfg.Storage.MaxConnIdleTime,
	}, nil
}

// ClientConfig converts API settings to an NREL client config.
func ClientConfig(a config.APIConfig) nrel.Config {
	return nrel.Config{
		BaseURL:     a.BaseURL,
		DatasetPath: a.DatasetPath,
		Timeout:     a.Timeout,
		Params: nrel.Params{
			APIKey:      a.Key,
			WKT:         a.WKT,
			Attributes:  a.Attributes,
			Interval:    a.Interval,
			UTC:         a.UTC,
			LeapDay:     a.LeapDay,
			FullName:    a.FullName,
			Email:       a.Email,
			Affiliation: a.Affiliation,
			Reason:      a.Reason,
		},
	}
}

// ServiceOptions converts path and load settings to service options.
func ServiceOptions(cfg *config.Config) (Options, error) {
	lo, err := LoaderOptions(cfg.Load)
	if err != nil {
		return Options{}, err
	}
	return Options{
		RawDir:     cfg.Paths.RawDir,
		DataDir:    cfg.Paths.DataDir,
		ExtractDir: cfg.Paths.ExtractDir,
		Load:       lo,
	}, nil
}
