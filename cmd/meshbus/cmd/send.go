// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/destiny/meshbus"
)

var (
	sendWait   time.Duration
	sendLinger time.Duration
)

func init() {
	sendCmd.Flags().DurationVar(&sendWait, "wait", 2*time.Second, "How long to wait for a member of the group to announce itself")
	sendCmd.Flags().DurationVar(&sendLinger, "linger", time.Second, "How long to stay up to answer retransmission requests")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <group> <message>...",
	Short: "Publish one message to a group",
	Long: `Publish one message to a group. The remaining arguments are joined with
spaces to form the body.

Examples:
  meshbus send chat hello there
  meshbus send alerts.fire "kitchen" --wait 5s`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		n, err := newNode(cfg, logger)
		if err != nil {
			return err
		}
		group, body := args[0], strings.Join(args[1:], " ")
		return n.run(ctx, func(ctx context.Context) error {
			return send(ctx, n.bus, group, body)
		})
	},
}

func send(ctx context.Context, bus *meshbus.Bus, group, body string) error {
	if !waitFor(ctx, sendWait, func() bool { return len(bus.RemoteMembers(group)) > 0 }) {
		logger.Warn("no member of %s seen within %v, sending anyway", group, sendWait)
	}

	ch := bus.OpenChannel()
	defer ch.Close()
	if err := ch.SendTo(group, []byte(body)); err != nil {
		return err
	}
	logger.Info("sent %d bytes to %s", len(body), group)

	select {
	case <-ctx.Done():
	case <-time.After(sendLinger):
	}
	return nil
}
