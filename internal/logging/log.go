// Package logging provides the single structured logger used throughout the
// service: a package-level Log(ctx) helper backed by charmbracelet/log
// rather than a stdlib *log.Logger.
package logging

import (
	"context"
	"os"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5/middleware"
)

var (
	_base     *log.Logger
	_baseOnce sync.Once
)

// base returns the process-wide logger, constructing it with sane defaults
// on first use. Call Configure before any call to Log if non-default
// behavior (e.g. debug level) is needed.
func base() *log.Logger {
	_baseOnce.Do(func() {
		_base = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			ReportCaller:    false,
		})
	})
	return _base
}

// Configure sets the process-wide log level. Safe to call once at startup
// before any request handling begins.
func Configure(debug bool) {
	lvl := log.InfoLevel
	if debug {
		lvl = log.DebugLevel
	}
	base().SetLevel(lvl)
}

// Log returns a logger scoped to the request/job ID carried on ctx, if any.
// Every suspension point in the enrichment and ingestion pipelines logs
// through this helper so a single ID can be grepped across a request's
// fan-out to multiple source clients.
func Log(ctx context.Context) *log.Logger {
	l := base()
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return l.With("reqID", id)
	}
	return l
}
