// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"time"

	"github.com/destiny/meshbus/wire"
)

// heartbeatTick is how often the heartbeat task wakes up
const heartbeatTick = 1000 * time.Millisecond

// heartbeatLoop drives HeartbeatTick until the bus is closed
func (b *Bus) heartbeatLoop() {
	defer b.wg.Done()

	interval := heartbeatTick
	if b.opts.heartbeat < interval {
		interval = b.opts.heartbeat
	}
	ticker := b.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.HeartbeatTick()
		}
	}
}

// HeartbeatTick sends a heartbeat when one is due, drops withdrawn and
// expired peers, and evicts old frames from the retransmission cache.
func (b *Bus) HeartbeatTick() {
	if b.closed.Load() {
		return
	}

	if b.heartbeatDue() {
		msg := wire.NewAdminMessage(wire.ActionHeartbeat)
		if b.opts.tcpAddr != "" {
			msg.Set(wire.FieldTCP, b.opts.tcpAddr)
		}
		if err := b.enqueue(wire.NewPacket(wire.KindHeartbeat, 0, msg), nil); err != nil {
			b.log.Warn("failed to queue heartbeat: %v", err)
		}
	}

	b.sweepPeers()

	if n := b.cache.EvictOlderThan(b.opts.retransmitWindow); n > 0 {
		b.log.Trace("evicted %d frame(s) from the retransmission cache", n)
	}
}

// heartbeatDue advances the heartbeat deadline when it has passed
func (b *Bus) heartbeatDue() bool {
	b.identMu.Lock()
	defer b.identMu.Unlock()

	if b.insertions == 0 {
		return false
	}
	now := b.clock.Now()
	if now.Before(b.nextHeartbeat) {
		return false
	}
	b.nextHeartbeat = now.Add(b.opts.heartbeat)
	return true
}

func (b *Bus) sweepPeers() {
	var expired []*PeerState

	b.peersMu.Lock()
	for id, p := range b.peers {
		switch {
		case p.Withdrawn():
			delete(b.peers, id)
			b.log.Debug("removed withdrawn endpoint %d", id)
		case p.IsExpired():
			delete(b.peers, id)
			expired = append(expired, p)
		}
	}
	b.metrics.Peers.Set(float64(len(b.peers)))
	b.peersMu.Unlock()

	for _, p := range expired {
		b.log.Info("endpoint %d expired, last seen %v", p.Endpoint(), p.LastSeen().Format(time.RFC3339))
		b.publish(&Event{Type: EventPeerExpired, Endpoint: p.Endpoint(), Addr: p.Addr()})
	}
}
