// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package log

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() {
		SetLevel(slog.LevelInfo)
		SetOutput(os.Stderr)
	})

	SetLevel(slog.LevelInfo)
	Debugf("hidden %d", 1)
	Infof("shown %d", 2)
	assert.NotContains(t, buf.String(), "hidden 1")
	assert.Contains(t, buf.String(), "shown 2")

	buf.Reset()
	SetLevel(slog.LevelDebug)
	Debugf("visible %s", "now")
	Warnf("careful")
	assert.Contains(t, buf.String(), "visible now")
	assert.Contains(t, buf.String(), "level=WARN")

	buf.Reset()
	SetLevel(slog.LevelError)
	Warnf("dropped")
	Errorf("kept")
	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), "kept")
}

func TestSetLoggerNil(t *testing.T) {
	before := globalLogger.Load()
	SetLogger(nil)
	assert.Same(t, before, globalLogger.Load())
}
