// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/destiny/meshbus"
	"github.com/destiny/meshbus/wire"
)

var showEvents bool

func init() {
	listenCmd.Flags().BoolVar(&showEvents, "events", false, "Also print peer and group events")
	rootCmd.AddCommand(listenCmd)
}

var listenCmd = &cobra.Command{
	Use:   "listen <group>...",
	Short: "Join groups and print the messages they receive",
	Long: `Join one or more groups and print every message delivered to them until
interrupted.

Examples:
  meshbus listen chat
  meshbus listen sensors.*.temp alerts --events -o json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		n, err := newNode(cfg, logger)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		return n.run(ctx, func(ctx context.Context) error {
			return listen(ctx, n.bus, args, out)
		})
	},
}

// received is the printed form of a delivered message
type received struct {
	Time     time.Time `json:"time" yaml:"time"`
	Group    string    `json:"group" yaml:"group"`
	Endpoint uint32    `json:"endpoint" yaml:"endpoint"`
	Body     string    `json:"body" yaml:"body"`
}

func listen(ctx context.Context, bus *meshbus.Bus, groups []string, out io.Writer) error {
	ch := bus.OpenChannel()
	for _, g := range groups {
		if err := ch.Join(g); err != nil {
			return fmt.Errorf("failed to join %s: %w", g, err)
		}
	}

	if showEvents {
		events := bus.Events(64)
		go func() {
			for e := range events {
				fmt.Fprintf(out, "# %s\n", e)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		ch.Close()
	}()

	for {
		msg := ch.Get()
		if meshbus.IsEndOfStream(msg) {
			return ctx.Err()
		}
		if err := printMessage(out, msg); err != nil {
			return err
		}
	}
}

func printMessage(w io.Writer, msg *wire.Message) error {
	r := received{Time: time.Now(), Group: msg.Group, Body: string(msg.Body)}
	if msg.Source != nil {
		r.Endpoint = msg.Source.Endpoint
	}
	if done, err := formatOutput(w, r); done {
		return err
	}
	_, err := fmt.Fprintf(w, "[%s] <%d@%s> %s\n", r.Time.Format("15:04:05"), r.Endpoint, r.Group, r.Body)
	return err
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
