// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log lets embedders route hookcore's diagnostics into their own
// slog handlers.
package log // import "github.com/vectorhook/hookcore/log"

import (
	"log/slog"

	"github.com/vectorhook/hookcore/internal/log"
)

// SetLevel sets the minimum level of hookcore's default logger.
func SetLevel(level slog.Level) {
	log.SetLevel(level)
}

// SetLogger makes hookcore log through l.
func SetLogger(l *slog.Logger) {
	log.SetLogger(l)
}
