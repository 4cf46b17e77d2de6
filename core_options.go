// Copyright 2018 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/destiny/meshbus/wire"
)

// Protocol defaults
const (
	DefaultPort              = 7943
	DefaultHeartbeatInterval = 20000 * time.Millisecond
	DefaultExpiration        = 90000 * time.Millisecond
	DefaultNakRetryLimit     = 3
	DefaultNakInterval       = 1000 * time.Millisecond
	DefaultInsertGrace       = 3000 * time.Millisecond
	DefaultRetransmitWindow  = 60000 * time.Millisecond
	DefaultReorderMaxAge     = 30000 * time.Millisecond
	DefaultRetransmitRate    = 4096 // frames per second
	DefaultRetransmitBurst   = 1024
	DefaultQueueCapacity     = 10000

	// expirationSlack widens the expiration timeout before a silent peer is dropped
	expirationSlack = 1.25
)

// DefaultNetmask is applied to the bound host address to compute the
// broadcast address. The all-zero mask yields the limited broadcast address.
var DefaultNetmask = net.IPv4Mask(0, 0, 0, 0)

// Option configures some aspect of a Bus.
type Option func(o *options)

type options struct {
	log        *Logger
	clock      clock.Clock
	registerer prometheus.Registerer

	endpoint  *uint32      // forced endpoint for the first insertion
	netmask   net.IPMask   // broadcast computation
	broadcast *net.UDPAddr // explicit broadcast destination
	tcpAddr   string       // advertised bridge address

	heartbeat        time.Duration
	expiration       time.Duration
	nakRetryLimit    int
	nakInterval      time.Duration
	insertGrace      time.Duration
	retransmitWindow time.Duration
	reorderMaxAge    time.Duration
	maxPayload       int
	retransmitRate   rate.Limit
	retransmitBurst  int
	queueCapacity    int
}

func defaultOptions() options {
	return options{
		log:              DefaultLogger,
		clock:            clock.New(),
		netmask:          DefaultNetmask,
		heartbeat:        DefaultHeartbeatInterval,
		expiration:       DefaultExpiration,
		nakRetryLimit:    DefaultNakRetryLimit,
		nakInterval:      DefaultNakInterval,
		insertGrace:      DefaultInsertGrace,
		retransmitWindow: DefaultRetransmitWindow,
		reorderMaxAge:    DefaultReorderMaxAge,
		maxPayload:       wire.DefaultMaxPayload,
		retransmitRate:   DefaultRetransmitRate,
		retransmitBurst:  DefaultRetransmitBurst,
		queueCapacity:    DefaultQueueCapacity,
	}
}

func (o *options) validate() error {
	switch {
	case o.log == nil:
		return &ConfigurationError{Field: "logger", Value: nil, Reason: "must not be nil"}
	case o.clock == nil:
		return &ConfigurationError{Field: "clock", Value: nil, Reason: "must not be nil"}
	case o.heartbeat <= 0:
		return &ConfigurationError{Field: "heartbeat_interval", Value: o.heartbeat, Reason: "must be positive"}
	case o.expiration < o.heartbeat:
		return &ConfigurationError{Field: "expiration", Value: o.expiration, Reason: "must not be shorter than the heartbeat interval"}
	case o.nakRetryLimit < 1:
		return &ConfigurationError{Field: "nak_retry_limit", Value: o.nakRetryLimit, Reason: "must be at least 1"}
	case o.nakInterval <= 0:
		return &ConfigurationError{Field: "nak_interval", Value: o.nakInterval, Reason: "must be positive"}
	case o.insertGrace < 0:
		return &ConfigurationError{Field: "insert_grace", Value: o.insertGrace, Reason: "must not be negative"}
	case o.retransmitWindow <= 0:
		return &ConfigurationError{Field: "retransmit_window", Value: o.retransmitWindow, Reason: "must be positive"}
	case o.maxPayload <= 0 || o.maxPayload > wire.DefaultMaxPayload:
		return &ConfigurationError{Field: "max_payload", Value: o.maxPayload, Reason: "must be within one datagram"}
	case o.queueCapacity <= 0:
		return &ConfigurationError{Field: "queue_capacity", Value: o.queueCapacity, Reason: "must be positive"}
	}
	if len(o.netmask) != net.IPv4len {
		return &ConfigurationError{Field: "netmask", Value: o.netmask, Reason: "must be an IPv4 mask"}
	}
	return nil
}

// WithLogger sets a dedicated Logger for the bus.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.log = l
	}
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithMetrics registers the bus collectors on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithEndpoint forces the endpoint id used by the first insertion.
// Re-insertions after a collision always pick a random id.
func WithEndpoint(id uint32) Option {
	return func(o *options) {
		o.endpoint = &id
	}
}

// WithNetmask sets the mask applied to the bound address to derive the
// broadcast address.
func WithNetmask(mask net.IPMask) Option {
	return func(o *options) {
		if v4 := net.IP(mask).To4(); v4 != nil {
			mask = net.IPMask(v4)
		}
		o.netmask = mask
	}
}

// WithBroadcastAddress sends broadcast frames to addr instead of the
// computed subnet broadcast address.
func WithBroadcastAddress(addr *net.UDPAddr) Option {
	return func(o *options) {
		o.broadcast = addr
	}
}

// WithTCPAddress sets the bridge address advertised in heartbeats.
func WithTCPAddress(hostport string) Option {
	return func(o *options) {
		o.tcpAddr = hostport
	}
}

// WithHeartbeatInterval sets the interval between heartbeat frames.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(o *options) {
		o.heartbeat = d
	}
}

// WithExpiration sets the peer expiration timeout. A peer is dropped once
// nothing was heard from it for 1.25 times this value.
func WithExpiration(d time.Duration) Option {
	return func(o *options) {
		o.expiration = d
	}
}

// WithNakRetryLimit sets how many unanswered NAKs are tolerated before a
// gap is declared lost.
func WithNakRetryLimit(n int) Option {
	return func(o *options) {
		o.nakRetryLimit = n
	}
}

// WithNakInterval sets the delay before an unanswered NAK is repeated.
func WithNakInterval(d time.Duration) Option {
	return func(o *options) {
		o.nakInterval = d
	}
}

// WithInsertGrace sets the window after insertion during which an ARP
// naming our endpoint triggers re-insertion.
func WithInsertGrace(d time.Duration) Option {
	return func(o *options) {
		o.insertGrace = d
	}
}

// WithRetransmitWindow sets how long sent frames stay in the retransmission cache.
func WithRetransmitWindow(d time.Duration) Option {
	return func(o *options) {
		o.retransmitWindow = d
	}
}

// WithReorderMaxAge bounds how long out-of-order frames wait in a peer's
// reorder buffer.
func WithReorderMaxAge(d time.Duration) Option {
	return func(o *options) {
		o.reorderMaxAge = d
	}
}

// WithMaxPayload bounds the payload length accepted from frame headers.
func WithMaxPayload(n int) Option {
	return func(o *options) {
		o.maxPayload = n
	}
}

// WithRetransmitRate throttles frames re-sent while servicing NAKs.
func WithRetransmitRate(perSecond float64, burst int) Option {
	return func(o *options) {
		o.retransmitRate = rate.Limit(perSecond)
		o.retransmitBurst = burst
	}
}

// WithQueueCapacity bounds the outbound queue and channel queues.
func WithQueueCapacity(n int) Option {
	return func(o *options) {
		o.queueCapacity = n
	}
}

// ValidateOptions applies opts to the defaults and reports the first
// invalid setting as a *ConfigurationError.
func ValidateOptions(opts ...Option) error {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o.validate()
}
