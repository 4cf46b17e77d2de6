// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/destiny/meshbus"
)

var peersDuration time.Duration

func init() {
	peersCmd.Flags().DurationVar(&peersDuration, "duration", 0, "How long to listen before printing (default: one heartbeat interval plus a second)")
	rootCmd.AddCommand(peersCmd)
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "Discover and list the nodes on the bus",
	Long: `Join the bus, listen for heartbeats and other traffic, then print the
nodes that were heard.

Examples:
  meshbus peers
  meshbus peers --duration 30s -o yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext(cmd)
		defer stop()

		d := peersDuration
		if d <= 0 {
			d = cfg.Bus.HeartbeatInterval + time.Second
		}

		n, err := newNode(cfg, logger)
		if err != nil {
			return err
		}
		var peers []meshbus.PeerInfo
		err = n.run(ctx, func(ctx context.Context) error {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
			peers = n.bus.Peers()
			return nil
		})
		if err != nil {
			return err
		}
		return printPeers(cmd.OutOrStdout(), peers)
	},
}

func printPeers(w io.Writer, peers []meshbus.PeerInfo) error {
	if done, err := formatOutput(w, peers); done {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tADDRESS\tBRIDGE\tLAST SEEN\tNAKS\tGROUPS")
	for _, p := range peers {
		bridge := p.TCPAddr
		if bridge == "" {
			bridge = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			p.Endpoint, p.Addr, bridge,
			p.LastSeen.Format("15:04:05"), p.NakTotal,
			strings.Join(p.Groups, ","))
	}
	return tw.Flush()
}
