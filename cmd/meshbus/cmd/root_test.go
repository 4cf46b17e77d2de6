// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/destiny/meshbus"
	"github.com/destiny/meshbus/config"
	"github.com/destiny/meshbus/wire"
)

// execute runs the root command with args, resetting the global flags
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, logLevel, outputFormat = "", "", "table"
	t.Cleanup(func() { outputFormat = "table" })

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestRootCmd(t *testing.T) {
	// Cannot run in parallel - uses shared global rootCmd
	t.Run("help_lists_subcommands", func(t *testing.T) {
		out, err := execute(t, "--help")
		require.NoError(t, err)
		for _, name := range []string{"listen", "send", "peers", "config"} {
			assert.Contains(t, out, name)
		}
	})

	t.Run("config_prints_defaults", func(t *testing.T) {
		out, err := execute(t, "config")
		require.NoError(t, err)

		var got config.Config
		require.NoError(t, yaml.Unmarshal([]byte(out), &got))
		assert.Equal(t, config.Default().Bus, got.Bus)
	})

	t.Run("config_file_and_level_override", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "node.yaml")
		require.NoError(t, os.WriteFile(path, []byte("bus:\n  heartbeat_interval: 2s\nlog:\n  level: warn\n"), 0o600))

		out, err := execute(t, "config", "--config", path, "--log-level", "debug")
		require.NoError(t, err)
		assert.Contains(t, out, "heartbeat_interval: 2s")
		assert.Contains(t, out, "level: debug")
		assert.True(t, logger.IsEnabled(meshbus.LogLevelDebug))
	})

	t.Run("bad_config_fails", func(t *testing.T) {
		_, err := execute(t, "config", "--log-level", "loud")
		var ce *meshbus.ConfigurationError
		assert.ErrorAs(t, err, &ce)
	})

	t.Run("send_needs_a_body", func(t *testing.T) {
		_, err := execute(t, "send", "chat")
		assert.Error(t, err)
	})
}

func TestOutput(t *testing.T) {
	peers := []meshbus.PeerInfo{{
		Endpoint: 42,
		Addr:     "10.0.0.2:7943",
		LastSeen: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		NakTotal: 3,
		Groups:   []string{"a", "b"},
	}}

	t.Run("peer_table", func(t *testing.T) {
		outputFormat = "table"
		var out bytes.Buffer
		require.NoError(t, printPeers(&out, peers))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 2)
		assert.True(t, strings.HasPrefix(lines[0], "ENDPOINT"))
		assert.Equal(t, []string{"42", "10.0.0.2:7943", "-", "03:04:05", "3", "a,b"}, strings.Fields(lines[1]))
	})

	t.Run("peer_json", func(t *testing.T) {
		outputFormat = "json"
		defer func() { outputFormat = "table" }()
		var out bytes.Buffer
		require.NoError(t, printPeers(&out, peers))
		assert.Contains(t, out.String(), `"Endpoint": 42`)
	})

	t.Run("message_line", func(t *testing.T) {
		outputFormat = "table"
		msg := wire.NewMessage("chat", []byte("hi"))
		msg.Source = &wire.Address{Endpoint: 9}

		var out bytes.Buffer
		require.NoError(t, printMessage(&out, msg))
		assert.True(t, strings.HasSuffix(out.String(), "<9@chat> hi\n"))
	})

	t.Run("unknown_format", func(t *testing.T) {
		outputFormat = "xml"
		defer func() { outputFormat = "table" }()
		_, err := formatOutput(&bytes.Buffer{}, peers)
		assert.Error(t, err)
	})
}
