// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package framegraph

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// nopHandler is a slog.Handler that silently discards all log records.
// Enabled returns false so callers skip message formatting entirely.
type nopHandler struct{}

func (nopHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (nopHandler) Handle(context.Context, slog.Record) error { return nil }
func (nopHandler) WithAttrs([]slog.Attr) slog.Handler        { return nopHandler{} }
func (nopHandler) WithGroup(string) slog.Handler             { return nopHandler{} }

func newNopLogger() *slog.Logger { return slog.New(nopHandler{}) }

// loggerPtr stores the active logger. Accessed atomically so that
// SetLogger can be called concurrently with logging from any goroutine.
var loggerPtr atomic.Pointer[slog.Logger]

func init() {
	loggerPtr.Store(newNopLogger())
}

// SetLogger configures the logger for framegraph and the devices of every
// open Context. By default framegraph produces no log output.
//
// Pass nil to restore the silent default.
//
// Log levels used by framegraph:
//   - [slog.LevelDebug]: per-frame scheduling (submission values, pacing waits)
//   - [slog.LevelInfo]: lifecycle events (device opened, graph locked)
//   - [slog.LevelWarn]: best-effort teardown failures
//
// Example:
//
//	framegraph.SetLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
//	    Level: slog.LevelDebug,
//	})))
func SetLogger(l *slog.Logger) {
	if l == nil {
		l = newNopLogger()
	}
	loggerPtr.Store(l)

	devicesMu.Lock()
	defer devicesMu.Unlock()
	for d := range devices {
		propagateLogger(d, l)
	}
}

// Logger returns the current logger used by framegraph.
func Logger() *slog.Logger {
	return loggerPtr.Load()
}

// loggerSetter is implemented by backend devices that accept a logger.
type loggerSetter interface {
	SetLogger(*slog.Logger)
}

var (
	devicesMu sync.Mutex
	devices   = make(map[any]struct{})
)

// trackDevice registers an open device for logger propagation and hands it
// the current logger.
func trackDevice(d any) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	devices[d] = struct{}{}
	propagateLogger(d, Logger())
}

func untrackDevice(d any) {
	devicesMu.Lock()
	defer devicesMu.Unlock()
	delete(devices, d)
}

func propagateLogger(d any, l *slog.Logger) {
	if ls, ok := d.(loggerSetter); ok {
		ls.SetLogger(l)
	}
}
