package core

// scheduler.go repeats the download-and-load run on a fixed interval for
// unattended deployments. A failed run is logged and the next tick tries
// again; only cancellation stops the loop.

import (
	"context"
	"errors"
	"time"

	"github.com/JonMunkholm/wtkpipe/internal/logging"
)

// Schedule runs Run for years immediately, then every interval, until ctx
// is cancelled. It returns the number of runs started.
func (s *Service) Schedule(ctx context.Context, interval time.Duration, years []int) int {
	log := logging.FromContext(ctx)
	log.Info("scheduler started", "interval", interval.String(), "years", years)

	runs := 0
	runOnce := func() {
		runs++
		if _, err := s.Run(ctx, years); err != nil && !errors.Is(err, context.Canceled) {
			msg := MapError(err)
			log.Warn("scheduled run failed", "code", msg.Code, "error", err)
		}
	}

	runOnce()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("scheduler stopped", "runs", runs)
			return runs
		case <-ticker.C:
			runOnce()
		}
	}
}
