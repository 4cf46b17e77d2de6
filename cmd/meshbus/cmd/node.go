// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/destiny/meshbus"
	"github.com/destiny/meshbus/bridge"
	"github.com/destiny/meshbus/config"
	"github.com/destiny/meshbus/reactor"
)

const (
	redialInterval  = 5 * time.Second
	shutdownTimeout = 2 * time.Second
)

// node is one bus with its reactor, bridge relay and metrics endpoint
type node struct {
	log       *meshbus.Logger
	reactor   *reactor.Reactor
	bus       *meshbus.Bus
	relay     *bridge.Relay
	metrics   *http.Server
	metricsLn net.Listener
}

func newNode(cfg *config.Config, log *meshbus.Logger) (*node, error) {
	opts, err := cfg.BusOptions(log.Named("bus"))
	if err != nil {
		return nil, err
	}
	bus, err := meshbus.NewBus(opts...)
	if err != nil {
		return nil, err
	}

	n := &node{
		log:     log,
		reactor: reactor.New(reactor.WithLogger(log.Named("reactor"))),
		bus:     bus,
	}
	if err := n.setup(cfg); err != nil {
		return nil, multierr.Append(err, n.close())
	}
	return n, nil
}

func (n *node) setup(cfg *config.Config) error {
	if _, err := n.bus.Register(n.reactor, cfg.BusURI()); err != nil {
		return err
	}

	if cfg.Bridge.Enabled() {
		n.relay = bridge.NewRelay(n.reactor, n.bus,
			bridge.WithLogger(n.log.Named("bridge")),
			bridge.WithMaxPayload(cfg.Bus.MaxPayload),
			bridge.WithForwarding(cfg.Bridge.Hub))
		n.bus.SetTap(n.relay)

		if uri := cfg.BridgeURI(); uri != "" {
			if _, err := n.relay.Listen(uri); err != nil {
				return err
			}
		}
		for _, peer := range cfg.Bridge.Peers {
			if err := n.relay.Keep(peer); err != nil {
				return err
			}
		}
		n.reactor.Schedule("bridge-redial", redialInterval, n.relay.Redial)
	}

	if cfg.Metrics.Listen != "" {
		ln, err := net.Listen("tcp", cfg.Metrics.Listen)
		if err != nil {
			return &reactor.TransportError{Op: "bind", Addr: cfg.Metrics.Listen, Err: err}
		}
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, n.bus.Metrics().Handler())
		n.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		n.metricsLn = ln
	}

	n.log.Info("node endpoint %d on %s", n.bus.LocalEndpoint(), cfg.BusURI())
	return nil
}

// run drives the node until app returns or ctx is done, then shuts it down
func (n *node) run(ctx context.Context, app func(ctx context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	n.bus.Start()
	g.Go(func() error {
		if err := n.reactor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if n.metrics != nil {
		g.Go(func() error {
			n.log.Info("metrics on http://%v", n.metricsLn.Addr())
			if err := n.metrics.Serve(n.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer scancel()
			return n.metrics.Shutdown(sctx)
		})
	}

	g.Go(func() error {
		defer cancel()
		err := app(ctx)
		// withdraw while the reactor still drains bridge links
		if cerr := n.bus.Close(); cerr != nil {
			n.log.Warn("%v", cerr)
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	return multierr.Append(g.Wait(), n.close())
}

func (n *node) close() error {
	err := n.bus.Close()
	if n.relay != nil {
		err = multierr.Append(err, n.relay.Close())
	}
	return multierr.Append(err, n.reactor.Close())
}

// waitFor polls cond until it holds or d elapses
func waitFor(ctx context.Context, d time.Duration, cond func() bool) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for !cond() {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return cond()
		case <-tick.C:
		}
	}
	return true
}
