// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/destiny/meshbus/wire"
)

const metricsNamespace = "meshbus"

// Metrics holds the collectors a Bus updates
type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	FormatErrors   prometheus.Counter
	NaksSent       prometheus.Counter
	Retransmits    prometheus.Counter
	RetransmitsCut prometheus.Counter
	ExpiredSent    prometheus.Counter
	FramesLost     prometheus.Counter
	Collisions     prometheus.Counter
	Rejected       prometheus.Counter
	QueueDrops     prometheus.Counter
	Peers          prometheus.Gauge

	registry *prometheus.Registry // set when the bus owns its registry
}

// NewMetrics creates the bus collectors and registers them on reg. A nil
// reg registers them on a private registry, see Handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_sent_total",
			Help:      "Frames written to the transport, by kind.",
		}, []string{"kind"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_received_total",
			Help:      "Frames decoded from the transport, by kind.",
		}, []string{"kind"}),
		FormatErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "format_errors_total",
			Help:      "Malformed frames dropped.",
		}),
		NaksSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "naks_sent_total",
			Help:      "NAK frames sent to peers.",
		}),
		Retransmits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmits_total",
			Help:      "Frames re-sent while servicing NAKs.",
		}),
		RetransmitsCut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmits_throttled_total",
			Help:      "Retransmissions skipped by the rate limiter.",
		}),
		ExpiredSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "expired_sent_total",
			Help:      "EXPIRED notices broadcast for NAKs beyond the cache.",
		}),
		FramesLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_lost_total",
			Help:      "Frames from peers declared unrecoverable.",
		}),
		Collisions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "collisions_total",
			Help:      "Endpoint id collisions detected.",
		}),
		Rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_rejected_total",
			Help:      "Frames rejected because their source address did not match the known peer.",
		}),
		QueueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "queue_drops_total",
			Help:      "Frames or messages dropped because a queue was full.",
		}),
		Peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "peers",
			Help:      "Known remote endpoints.",
		}),
	}

	if reg == nil {
		m.registry = prometheus.NewRegistry()
		reg = m.registry
	}

	m.FramesSent = register(reg, m.FramesSent)
	m.FramesReceived = register(reg, m.FramesReceived)
	m.FormatErrors = register(reg, m.FormatErrors)
	m.NaksSent = register(reg, m.NaksSent)
	m.Retransmits = register(reg, m.Retransmits)
	m.RetransmitsCut = register(reg, m.RetransmitsCut)
	m.ExpiredSent = register(reg, m.ExpiredSent)
	m.FramesLost = register(reg, m.FramesLost)
	m.Collisions = register(reg, m.Collisions)
	m.Rejected = register(reg, m.Rejected)
	m.QueueDrops = register(reg, m.QueueDrops)
	m.Peers = register(reg, m.Peers)
	return m
}

// register adds c to reg, reusing an identical collector that is already
// registered so that several buses can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

// Handler serves the private registry, or nil when the collectors were
// registered on a caller supplied registerer.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return nil
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) sent(k wire.Kind) {
	m.FramesSent.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) received(k wire.Kind) {
	m.FramesReceived.WithLabelValues(k.String()).Inc()
}
