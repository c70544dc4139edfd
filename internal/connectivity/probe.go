package connectivity

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger reports the HTTP status of a reachability check. Any error means
// the remote did not answer.
type Pinger interface {
	Ping(ctx context.Context, path string) (int, error)
}

// Poll probes path every interval and feeds the outcome into m until ctx is
// cancelled. The first probe runs immediately. A response below 500 counts
// as reachable.
func Poll(ctx context.Context, m *Monitor, p Pinger, path string, interval, timeout time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	logger.Info("connectivity: probe started",
		slog.String("path", path),
		slog.Duration("interval", interval))

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		status, err := p.Ping(pctx, path)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Debug("connectivity: probe failed", slog.String("error", err.Error()))
			m.Set(false)
			return
		}
		m.Set(status < http.StatusInternalServerError)
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("connectivity: probe stopped")
			return nil
		case <-ticker.C:
			check()
		}
	}
}
