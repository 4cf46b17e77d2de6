// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/destiny/meshbus/wire"
)

// PacketCache is an append-only FIFO of sent frames, kept so that NAKs from
// peers can be answered. Lookups scan linearly; the cache only spans the
// retransmission window.
type PacketCache struct {
	clock   clock.Clock    // Time source for eviction
	entries []*wire.Packet // Frames in send order
	mutex   sync.Mutex     // Protects entries
}

// NewPacketCache creates an empty cache
func NewPacketCache(clk clock.Clock) *PacketCache {
	if clk == nil {
		clk = clock.New()
	}
	return &PacketCache{clock: clk}
}

// Add appends a sent frame. The frame must not be modified afterwards.
func (c *PacketCache) Add(p *wire.Packet) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = append(c.entries, p)
}

// EvictOlderThan removes every frame whose timestamp is older than maxAge
// and returns how many were removed. Remaining frames keep their order.
func (c *PacketCache) EvictOlderThan(maxAge time.Duration) int {
	cutoff := c.clock.Now().Add(-maxAge).UnixMilli()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	kept := c.entries[:0]
	for _, p := range c.entries {
		if p.Timestamp >= cutoff {
			kept = append(kept, p)
		}
	}
	removed := len(c.entries) - len(kept)
	for i := len(kept); i < len(c.entries); i++ {
		c.entries[i] = nil
	}
	c.entries = kept
	return removed
}

// GetBySequence returns the cached frame with the given sequence.
func (c *PacketCache) GetBySequence(seq uint32) (*wire.Packet, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for _, p := range c.entries {
		if p.Sequence == seq {
			return p, true
		}
	}
	return nil, false
}

// From returns the cached frames from seq onwards, in send order.
func (c *PacketCache) From(seq uint32) []*wire.Packet {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	var out []*wire.Packet
	for _, p := range c.entries {
		if p.Sequence >= seq {
			out = append(out, p)
		}
	}
	return out
}

// LatestSequence returns the sequence of the newest cached frame.
func (c *PacketCache) LatestSequence() (uint32, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.entries) == 0 {
		return 0, false
	}
	return c.entries[len(c.entries)-1].Sequence, true
}

// OldestSequence returns the sequence of the oldest cached frame.
func (c *PacketCache) OldestSequence() (uint32, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if len(c.entries) == 0 {
		return 0, false
	}
	return c.entries[0].Sequence, true
}

// Len returns the number of cached frames
func (c *PacketCache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.entries)
}

// Reset drops every cached frame
func (c *PacketCache) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = nil
}
