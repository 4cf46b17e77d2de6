// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger(t *testing.T) {
	t.Run("level_filtering", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, LogLevelWarn)
		l.Info("hidden %d", 1)
		l.Warn("peer %d expired", 7)
		l.Error("boom")

		out := buf.String()
		assert.NotContains(t, out, "hidden")
		assert.Contains(t, out, "peer 7 expired")
		assert.Contains(t, out, "boom")
	})

	t.Run("named_and_trace", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, LogLevelTrace).Named("bus")
		l.Trace("frame %s", "MSG")

		out := buf.String()
		assert.Contains(t, out, "meshbus.bus")
		assert.Contains(t, out, "[TRACE] frame MSG")
	})

	t.Run("set_level_raises_verbosity", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLoggerWithWriter(&buf, LogLevelError)
		l.Debug("before")
		l.SetLevel(LogLevelDebug)
		l.Debug("after")

		assert.Equal(t, LogLevelDebug, l.GetLevel())
		assert.Equal(t, 1, strings.Count(buf.String(), "after"))
		assert.NotContains(t, buf.String(), "before")
	})
}

func TestParseLogLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{
		"error":   LogLevelError,
		"Warning": LogLevelWarn,
		"":        LogLevelInfo,
		" debug ": LogLevelDebug,
		"TRACE":   LogLevelTrace,
	} {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
		assert.NotEqual(t, "UNKNOWN", got.String())
	}

	_, err := ParseLogLevel("loud")
	assert.Error(t, err)
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}
