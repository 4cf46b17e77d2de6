// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package cmd implements the meshbus CLI commands.
package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/destiny/meshbus"
	"github.com/destiny/meshbus/config"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	configPath   string
	logLevel     string
	outputFormat string

	// Loaded by PersistentPreRunE
	cfg    *config.Config
	logger *meshbus.Logger
)

var rootCmd = &cobra.Command{
	Use:   "meshbus",
	Short: "Broker-less reliable message bus node",
	Long: `meshbus runs a node of a broker-less publish/subscribe bus over UDP
broadcast, with optional TCP bridge links between segments.`,
	Version:      Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" {
			return nil
		}
		return loadConfig(cmd.ErrOrStderr())
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: error, warn, info, debug, trace (overrides the config file)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func loadConfig(logOut io.Writer) error {
	var err error
	if configPath == "" {
		cfg = config.Default()
	} else if cfg, err = config.Load(configPath); err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger = meshbus.NewLoggerWithWriter(logOut, level)
	return nil
}

// formatOutput writes data as json or yaml. It reports false for table
// output, which each command renders itself.
func formatOutput(w io.Writer, data interface{}) (bool, error) {
	switch outputFormat {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return true, enc.Encode(data)
	case "yaml":
		out, err := yaml.Marshal(data)
		if err != nil {
			return true, err
		}
		_, err = w.Write(out)
		return true, err
	case "table":
		return false, nil
	}
	return true, fmt.Errorf("unknown output format %q", outputFormat)
}
