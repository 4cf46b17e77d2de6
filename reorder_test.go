// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func slot(seq uint32, placeholder bool) BufferSlot {
	return BufferSlot{Sequence: seq, Placeholder: placeholder}
}

func TestReorderBuffer(t *testing.T) {
	mock := clock.NewMock()

	t.Run("append_fills_gap_with_placeholders", func(t *testing.T) {
		b := NewReorderBuffer(mock)
		assert.True(t, b.Insert(sentFrame(mock, 3)))
		assert.True(t, b.Insert(sentFrame(mock, 6)))

		assert.Equal(t, []BufferSlot{slot(3, false), slot(4, true), slot(5, true), slot(6, false)}, b.Slots())
		assert.True(t, b.IsReady())
	})

	t.Run("prepend_fills_gap_with_placeholders", func(t *testing.T) {
		b := NewReorderBuffer(mock)
		b.Insert(sentFrame(mock, 5))
		b.Insert(sentFrame(mock, 2))

		assert.Equal(t, []BufferSlot{slot(2, false), slot(3, true), slot(4, true), slot(5, false)}, b.Slots())
	})

	t.Run("insert_replaces_placeholder", func(t *testing.T) {
		b := NewReorderBuffer(mock)
		b.Reserve(1)
		b.Insert(sentFrame(mock, 3))
		assert.False(t, b.IsReady())

		assert.True(t, b.Insert(sentFrame(mock, 1)))
		assert.True(t, b.IsReady())
		assert.Equal(t, []uint32{1}, sequences(b.DrainReady()))
		assert.Equal(t, []BufferSlot{slot(2, true), slot(3, false)}, b.Slots())
	})

	t.Run("duplicate_is_rejected", func(t *testing.T) {
		b := NewReorderBuffer(mock)
		assert.True(t, b.Insert(sentFrame(mock, 4)))
		assert.False(t, b.Insert(sentFrame(mock, 4)))
		assert.Equal(t, 1, b.Len())
	})

	t.Run("drain_stops_at_placeholder", func(t *testing.T) {
		b := NewReorderBuffer(mock)
		for _, seq := range []uint32{0, 1, 2, 4, 5} {
			b.Insert(sentFrame(mock, seq))
		}
		assert.Equal(t, []uint32{0, 1, 2}, sequences(b.DrainReady()))
		assert.False(t, b.IsReady())
		assert.Empty(t, b.DrainReady())
	})

	t.Run("make_ready_drops_leading_placeholders", func(t *testing.T) {
		b := NewReorderBuffer(mock)
		b.Reserve(1)
		b.Insert(sentFrame(mock, 4))

		assert.Equal(t, 3, b.MakeReady())
		assert.True(t, b.IsReady())
		assert.Equal(t, []uint32{4}, sequences(b.DrainReady()))
		assert.True(t, b.Empty())
		assert.Equal(t, 0, b.MakeReady())
	})

	t.Run("discard_through", func(t *testing.T) {
		b := NewReorderBuffer(mock)
		b.Reserve(1)
		b.Insert(sentFrame(mock, 3))
		b.Insert(sentFrame(mock, 6))

		ready, lost := b.DiscardThrough(4)
		assert.Equal(t, []uint32{3}, sequences(ready))
		assert.Equal(t, 3, lost)

		first, ok := b.First()
		assert.True(t, ok)
		assert.Equal(t, uint32(5), first)
	})

	t.Run("expire_drops_old_entries", func(t *testing.T) {
		mock := clock.NewMock()
		b := NewReorderBuffer(mock)
		b.Reserve(1)
		b.Insert(sentFrame(mock, 2))
		mock.Add(10 * time.Second)
		b.Insert(sentFrame(mock, 4))

		dropped, through := b.Expire(5 * time.Second)
		assert.Equal(t, 2, dropped)
		assert.Equal(t, uint32(2), through)
		assert.Equal(t, []BufferSlot{slot(3, true), slot(4, false)}, b.Slots())

		mock.Add(10 * time.Second)
		dropped, _ = b.Expire(5 * time.Second)
		assert.Equal(t, 2, dropped)
		assert.True(t, b.Empty())
	})
}
