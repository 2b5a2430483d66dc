// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log holds the process wide logger used by every hookcore package.
package log // import "github.com/vectorhook/hookcore/internal/log"

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// level is shared by the default handlers so SetLevel applies to them
// without replacing the logger.
var level = new(slog.LevelVar)

// globalLogger holds a reference to the [slog.Logger] used within hookcore.
//
// The default logger writes text records to stderr at the Info level.
var globalLogger = func() *atomic.Pointer[slog.Logger] {
	p := new(atomic.Pointer[slog.Logger])
	p.Store(newTextLogger(os.Stderr))
	return p
}()

func newTextLogger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// SetLogger replaces the global logger.
func SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	globalLogger.Store(l)
}

// SetOutput installs a text logger writing to w, honoring SetLevel.
func SetOutput(w io.Writer) {
	SetLogger(newTextLogger(w))
}

// SetLevel changes the minimum level of the default text handlers.
func SetLevel(l slog.Level) {
	level.Set(l)
}

func logf(l slog.Level, format string, args ...any) {
	logger := globalLogger.Load()
	ctx := context.Background()
	if !logger.Enabled(ctx, l) {
		return
	}
	logger.Log(ctx, l, fmt.Sprintf(format, args...))
}

// Debugf logs details of binary parsing and hook resolution.
func Debugf(format string, args ...any) {
	logf(slog.LevelDebug, format, args...)
}

// Infof logs state changes that matter to an operator.
func Infof(format string, args ...any) {
	logf(slog.LevelInfo, format, args...)
}

// Warnf logs recoverable problems, e.g. a library lacking an expected symbol.
func Warnf(format string, args ...any) {
	logf(slog.LevelWarn, format, args...)
}

// Errorf logs failures that disable a feature.
func Errorf(format string, args ...any) {
	logf(slog.LevelError, format, args...)
}
