package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"time"

	"tagtime/internal/config"
	"tagtime/internal/health"
	"tagtime/internal/logging"
	"tagtime/internal/metrics"
	"tagtime/internal/store"
)

// minFreeIndexBytes degrades health when the index filesystem runs low.
const minFreeIndexBytes = 64 * 1024 * 1024

// newWatchChecker registers the health checks of a watch process. The
// index is critical; disk space and import freshness only degrade.
func newWatchChecker(s *store.Store, cfg *config.Config, lastImport *atomic.Int64) *health.Checker {
	c := health.NewChecker()
	c.RegisterFunc("index", true, health.DatabaseCheck(s.PingContext))
	c.RegisterFunc("disk", false, health.DiskSpaceCheck(filepath.Dir(cfg.DatabasePath()), minFreeIndexBytes))

	if mins := cfg.Watch.StaleAfterMinutes; mins > 0 {
		last := func() time.Time {
			if t := lastImport.Load(); t != 0 {
				return time.Unix(t, 0)
			}
			return time.Time{}
		}
		c.RegisterFunc("imports", false, health.FreshnessCheck(last, time.Duration(mins)*time.Minute))
	}
	return c
}

// startStatusServer serves health endpoints and metrics on addr until ctx is done.
func startStatusServer(ctx context.Context, addr string, c *health.Checker, m *metrics.Indexer, logger *logging.Logger) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/healthz", c.LivenessHandler())
	mux.Handle("/readyz", c.ReadinessHandler())
	mux.Handle("/health", c.HealthHandler())
	mux.Handle("/metrics", m.Registry().HTTPHandler())

	srv := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status server failed", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving status", "addr", srv.Addr)
	return srv, nil
}
