// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/meshbus/wire"
)

func sentFrame(clk clock.Clock, seq uint32) *wire.Packet {
	p := wire.NewPacket(wire.KindMsg, 7, wire.NewMessage("test", []byte{byte(seq)}))
	p.Sequence = seq
	p.Timestamp = clk.Now().UnixMilli()
	return p
}

func sequences(packets []*wire.Packet) []uint32 {
	out := make([]uint32, 0, len(packets))
	for _, p := range packets {
		out = append(out, p.Sequence)
	}
	return out
}

func TestPacketCache(t *testing.T) {
	t.Run("evict_older_than_keeps_order", func(t *testing.T) {
		mock := clock.NewMock()
		c := NewPacketCache(mock)

		for seq := uint32(0); seq < 6; seq++ {
			c.Add(sentFrame(mock, seq))
			mock.Add(20 * time.Second)
		}
		// frames were sent at 0s, 20s, ..., 100s; now is 120s
		removed := c.EvictOlderThan(60 * time.Second)
		assert.Equal(t, 3, removed)
		assert.Equal(t, []uint32{3, 4, 5}, sequences(c.From(0)))

		oldest, ok := c.OldestSequence()
		require.True(t, ok)
		assert.Equal(t, uint32(3), oldest)
	})

	t.Run("boundary_entry_is_kept", func(t *testing.T) {
		mock := clock.NewMock()
		c := NewPacketCache(mock)
		c.Add(sentFrame(mock, 0))

		mock.Add(60 * time.Second)
		assert.Equal(t, 0, c.EvictOlderThan(60*time.Second))
		mock.Add(time.Millisecond)
		assert.Equal(t, 1, c.EvictOlderThan(60*time.Second))
		assert.Equal(t, 0, c.Len())
	})

	t.Run("lookup", func(t *testing.T) {
		mock := clock.NewMock()
		c := NewPacketCache(mock)

		_, ok := c.LatestSequence()
		assert.False(t, ok)

		for seq := uint32(10); seq < 15; seq++ {
			c.Add(sentFrame(mock, seq))
		}

		p, ok := c.GetBySequence(12)
		require.True(t, ok)
		assert.Equal(t, uint32(12), p.Sequence)

		_, ok = c.GetBySequence(9)
		assert.False(t, ok)

		latest, ok := c.LatestSequence()
		require.True(t, ok)
		assert.Equal(t, uint32(14), latest)
		assert.Equal(t, []uint32{13, 14}, sequences(c.From(13)))
	})

	t.Run("reset", func(t *testing.T) {
		c := NewPacketCache(nil)
		c.Add(sentFrame(clock.New(), 1))
		c.Reset()
		assert.Equal(t, 0, c.Len())
		assert.Empty(t, c.From(0))
	})
}
