// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/destiny/meshbus/internal/testutil"
	"github.com/destiny/meshbus/reactor"
	"github.com/destiny/meshbus/wire"
)

func newTestBus(t *testing.T, seg *testutil.Segment, mock *clock.Mock, opts ...Option) (*Bus, *testutil.Port) {
	t.Helper()

	base := []Option{WithClock(mock), WithLogger(DevNullLogger)}
	b, err := NewBus(append(base, opts...)...)
	require.NoError(t, err)

	port := seg.Attach(b)
	b.Attach(port)
	t.Cleanup(func() { _ = b.Close() })
	return b, port
}

// pair inserts two buses on one segment and lets discovery settle
func pair(t *testing.T, opts ...Option) (a, b *Bus, seg *testutil.Segment, mock *clock.Mock) {
	t.Helper()

	seg = testutil.NewSegment()
	mock = clock.NewMock()
	a, _ = newTestBus(t, seg, mock, opts...)
	b, _ = newTestBus(t, seg, mock, opts...)
	require.NoError(t, a.Insert())
	require.NoError(t, b.Insert())
	seg.Pump()
	return a, b, seg, mock
}

func drainEvents(ch <-chan *Event) []*Event {
	var out []*Event
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventsOfType(events []*Event, typ EventType) []*Event {
	var out []*Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// dropFrames loses the listed sequences of one kind from one sender
func dropFrames(kind wire.Kind, endpoint func() uint32, seqs ...uint32) testutil.DropFunc {
	lost := make(map[uint32]bool)
	for _, s := range seqs {
		lost[s] = true
	}
	return func(from, to net.Addr, data []byte) bool {
		p, err := wire.Decode(data, 0)
		if err != nil {
			return false
		}
		return p.Kind == kind && p.Endpoint == endpoint() && lost[p.Sequence]
	}
}

func receive(t *testing.T, ch *Channel) *wire.Message {
	t.Helper()
	msg, ok := ch.Inbound().TryGet()
	require.True(t, ok, "no message queued")
	return msg
}

func TestBusDiscovery(t *testing.T) {
	t.Run("insert_is_seen_by_peers", func(t *testing.T) {
		seg := testutil.NewSegment()
		mock := clock.NewMock()
		a, _ := newTestBus(t, seg, mock)
		b, _ := newTestBus(t, seg, mock)
		events := b.Events(16)

		require.NoError(t, a.Insert())
		require.NoError(t, b.Insert())
		seg.Pump()

		require.Len(t, a.Peers(), 1)
		require.Len(t, b.Peers(), 1)
		assert.Equal(t, b.LocalEndpoint(), a.Peers()[0].Endpoint)
		assert.Equal(t, "10.0.0.2:7943", a.Peers()[0].Addr)

		inserts := eventsOfType(drainEvents(events), EventPeerInsert)
		require.Len(t, inserts, 1)
		assert.Equal(t, a.LocalEndpoint(), inserts[0].Endpoint)
	})

	t.Run("own_frames_are_ignored", func(t *testing.T) {
		seg := testutil.NewSegment()
		a, port := newTestBus(t, seg, clock.NewMock())
		require.NoError(t, a.Insert())
		seg.Pump()

		assert.Equal(t, int64(1), port.Received())
		assert.Empty(t, a.Peers())
	})

	t.Run("broadcast_address_from_netmask", func(t *testing.T) {
		local := &net.UDPAddr{IP: net.IPv4(192, 168, 4, 17), Port: 7943}
		assert.Equal(t, "255.255.255.255:7943", broadcastAddress(local, DefaultNetmask).String())
		assert.Equal(t, "192.168.4.255:7943", broadcastAddress(local, net.IPv4Mask(255, 255, 255, 0)).String())

		unbound := &net.UDPAddr{IP: net.IPv4zero, Port: 0}
		assert.Equal(t, fmt.Sprintf("255.255.255.255:%d", DefaultPort), broadcastAddress(unbound, net.IPv4Mask(255, 0, 0, 0)).String())
	})

	t.Run("frames_from_another_address_are_rejected", func(t *testing.T) {
		a, b, _, _ := pair(t)
		msg := wire.NewMessage("chat", []byte("spoofed"))
		spoof := wire.NewPacket(wire.KindMsg, a.LocalEndpoint(), msg)
		spoof.Sequence = 1
		data, err := spoof.MarshalBinary()
		require.NoError(t, err)

		b.Inject(data, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 66), Port: 7943})
		assert.Equal(t, 1.0, promtest.ToFloat64(b.Metrics().Rejected))
		assert.Equal(t, int64(0), b.Peer(a.LocalEndpoint()).LastDelivered())
	})

	t.Run("malformed_frames_are_counted", func(t *testing.T) {
		seg := testutil.NewSegment()
		b, _ := newTestBus(t, seg, clock.NewMock())

		b.Inject([]byte{0xff, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 0}, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1})
		b.Inject([]byte{0, 1, 2}, &net.UDPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 1})
		assert.Equal(t, 2.0, promtest.ToFloat64(b.Metrics().FormatErrors))
		assert.Empty(t, b.Peers())
	})
}

func TestBusCollision(t *testing.T) {
	t.Run("same_forced_endpoint_reinserts_both", func(t *testing.T) {
		seg := testutil.NewSegment()
		mock := clock.NewMock()
		a, _ := newTestBus(t, seg, mock, WithEndpoint(77))
		b, _ := newTestBus(t, seg, mock, WithEndpoint(77))
		events := a.Events(16)

		require.NoError(t, a.Insert())
		require.NoError(t, b.Insert())
		require.Equal(t, uint32(77), a.LocalEndpoint())
		require.Equal(t, uint32(77), b.LocalEndpoint())
		require.NotEqual(t, a.Token(), b.Token())

		seg.Pump()

		assert.NotEqual(t, uint32(77), a.LocalEndpoint())
		assert.NotEqual(t, uint32(77), b.LocalEndpoint())
		assert.NotEqual(t, a.LocalEndpoint(), b.LocalEndpoint())
		assert.GreaterOrEqual(t, promtest.ToFloat64(a.Metrics().Collisions), 1.0)
		assert.NotEmpty(t, eventsOfType(drainEvents(events), EventCollision))

		assert.NotNil(t, a.Peer(b.LocalEndpoint()))
		assert.NotNil(t, b.Peer(a.LocalEndpoint()))
		assert.Nil(t, a.Peer(77))
	})

	t.Run("established_node_keeps_its_endpoint", func(t *testing.T) {
		seg := testutil.NewSegment()
		mock := clock.NewMock()
		old, _ := newTestBus(t, seg, mock, WithEndpoint(77))
		require.NoError(t, old.Insert())
		seg.Pump()

		mock.Add(DefaultInsertGrace + time.Second)

		newcomer, _ := newTestBus(t, seg, mock, WithEndpoint(77))
		require.NoError(t, newcomer.Insert())
		seg.Pump()

		assert.Equal(t, uint32(77), old.LocalEndpoint())
		assert.NotEqual(t, uint32(77), newcomer.LocalEndpoint())
		assert.NotNil(t, old.Peer(newcomer.LocalEndpoint()))
	})

	t.Run("reinsertion_resets_sequence", func(t *testing.T) {
		seg := testutil.NewSegment()
		a, _ := newTestBus(t, seg, clock.NewMock())
		require.NoError(t, a.Insert())
		require.NoError(t, a.Send(wire.NewMessage("g", nil), wire.KindMsg))
		seg.Pump()

		first := a.LocalEndpoint()
		require.NoError(t, a.Insert())
		assert.NotEqual(t, first, a.LocalEndpoint())
		assert.Equal(t, 0, a.cache.Len())
		seg.Pump()

		seq, ok := a.cache.LatestSequence()
		require.True(t, ok)
		assert.Equal(t, uint32(0), seq)
	})
}

func TestBusMessaging(t *testing.T) {
	t.Run("group_delivery", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		events := a.Events(16)

		sub := b.OpenChannel()
		require.NoError(t, sub.Join("chat"))
		other := b.OpenChannel()
		require.NoError(t, other.Join("news"))
		local := a.OpenChannel()
		require.NoError(t, local.Join("chat"))
		seg.Pump()

		assert.Equal(t, []uint32{b.LocalEndpoint()}, a.RemoteMembers("chat"))
		joins := eventsOfType(drainEvents(events), EventJoin)
		require.Len(t, joins, 2)

		pub := a.OpenChannel()
		require.NoError(t, pub.SendTo("chat.room1", []byte("hello")))
		seg.Pump()

		msg := receive(t, sub)
		assert.Equal(t, "chat.room1", msg.Group)
		assert.Equal(t, []byte("hello"), msg.Body)
		require.NotNil(t, msg.Source)
		assert.Equal(t, a.LocalEndpoint(), msg.Source.Endpoint)
		assert.Equal(t, pub.ID(), msg.Source.Channel)
		assert.Equal(t, 0, other.Inbound().Len())
		assert.Equal(t, 0, local.Inbound().Len(), "no local loopback")
	})

	t.Run("ordered_delivery", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		sub := b.OpenChannel()
		require.NoError(t, sub.Join("seq"))
		seg.Pump()

		tracker := testutil.NewMessageTracker()
		pub := a.OpenChannel()
		for i := 0; i < 20; i++ {
			id := fmt.Sprintf("m%02d", i)
			tracker.MarkSent(a.LocalEndpoint(), id)
			require.NoError(t, pub.SendTo("seq", []byte(id)))
			if i%3 == 0 {
				seg.Pump()
			}
		}
		seg.Pump()

		for sub.Inbound().Len() > 0 {
			msg := receive(t, sub)
			require.NotNil(t, msg.Source)
			tracker.MarkReceived(msg.Source.Endpoint, string(msg.Body))
		}
		assert.Equal(t, 20, tracker.Received())
		tracker.VerifyDelivery(t)
	})

	t.Run("point_to_point_reply", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		server := b.OpenChannel()
		require.NoError(t, server.Join("rpc"))
		bystander := b.OpenChannel()
		require.NoError(t, bystander.Join("rpc"))
		seg.Pump()

		client := a.OpenChannel()
		require.NoError(t, client.SendTo("rpc", []byte("ping")))
		seg.Pump()

		req := receive(t, server)
		receive(t, bystander)

		reply := &wire.Message{Group: "rpc", Target: req.Source, Body: []byte("pong")}
		require.NoError(t, server.Send(reply))
		seg.Pump()

		got := receive(t, client)
		assert.Equal(t, []byte("pong"), got.Body)
		assert.Equal(t, 0, bystander.Inbound().Len())
	})

	t.Run("private_inbox", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		owner := b.OpenChannel()
		inbox := owner.CreatePrivateGroup()
		require.NoError(t, owner.Join(inbox))

		intruder := b.OpenChannel()
		assert.ErrorIs(t, intruder.Join(inbox), ErrNotAuthorized)
		seg.Pump()
		assert.Empty(t, a.RemoteMembers(inbox), "private joins are not announced")

		sender := a.OpenChannel()
		require.NoError(t, sender.SendTo(inbox, []byte("secret")))
		seg.Pump()
		assert.Equal(t, []byte("secret"), receive(t, owner).Body)
		assert.Equal(t, 0, intruder.Inbound().Len())
	})

	t.Run("wildcard_subscribers_miss_inboxes", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		owner := b.OpenChannel()
		inbox := owner.CreatePrivateGroup()
		require.NoError(t, owner.Join(inbox))

		spy := b.OpenChannel()
		require.NoError(t, spy.Join("*"))
		require.NoError(t, spy.Join("private"))
		seg.Pump()

		require.NoError(t, a.OpenChannel().SendTo(inbox, []byte("secret")))
		seg.Pump()
		assert.Equal(t, []byte("secret"), receive(t, owner).Body)
		assert.Equal(t, 0, spy.Inbound().Len())
	})

	t.Run("send_copies_message", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		sub := b.OpenChannel()
		require.NoError(t, sub.Join("g"))
		seg.Pump()

		msg := wire.NewMessage("g", []byte("original"))
		require.NoError(t, a.Send(msg, wire.KindMsg))
		msg.Body[0] = 'X'
		seg.Pump()

		assert.Equal(t, []byte("original"), receive(t, sub).Body)
	})

	t.Run("queue_capacity", func(t *testing.T) {
		seg := testutil.NewSegment()
		a, _ := newTestBus(t, seg, clock.NewMock(), WithQueueCapacity(2))
		require.NoError(t, a.Insert())
		require.NoError(t, a.Send(wire.NewMessage("g", nil), wire.KindMsg))
		assert.ErrorIs(t, a.Send(wire.NewMessage("g", nil), wire.KindMsg), ErrQueueFull)
		assert.Equal(t, 1.0, promtest.ToFloat64(a.Metrics().QueueDrops))
	})
}

func TestBusRecovery(t *testing.T) {
	t.Run("lost_frame_is_retransmitted", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		sub := b.OpenChannel()
		require.NoError(t, sub.Join("data"))
		seg.Pump()

		seg.SetDropFunc(dropFrames(wire.KindMsg, a.LocalEndpoint, 1))
		require.NoError(t, a.Send(wire.NewMessage("data", []byte("one")), wire.KindMsg))
		seg.Pump()
		assert.Equal(t, 0, sub.Inbound().Len())

		require.NoError(t, a.Send(wire.NewMessage("data", []byte("two")), wire.KindMsg))
		seg.Pump()

		assert.Equal(t, "one", string(receive(t, sub).Body))
		assert.Equal(t, "two", string(receive(t, sub).Body))
		assert.Equal(t, 0, sub.Inbound().Len())

		assert.Equal(t, 1.0, promtest.ToFloat64(b.Metrics().NaksSent))
		assert.Equal(t, 2.0, promtest.ToFloat64(a.Metrics().Retransmits))
		assert.Equal(t, int64(1), b.Peer(a.LocalEndpoint()).NakTotal())
	})

	t.Run("unanswered_naks_report_loss", func(t *testing.T) {
		a, b, seg, mock := pair(t, WithNakInterval(time.Second), WithNakRetryLimit(2))
		events := b.Events(16)
		sub := b.OpenChannel()
		require.NoError(t, sub.Join("data"))
		seg.Pump()

		// frame 1 and every NAK for it disappear
		seg.SetDropFunc(func(from, to net.Addr, data []byte) bool {
			p, err := wire.Decode(data, 0)
			if err != nil {
				return false
			}
			return (p.Kind == wire.KindMsg && p.Sequence == 1) || p.Kind == wire.KindNak
		})
		require.NoError(t, a.Send(wire.NewMessage("data", []byte("lost")), wire.KindMsg))
		require.NoError(t, a.Send(wire.NewMessage("data", []byte("kept")), wire.KindMsg))
		seg.Pump()
		assert.Equal(t, 0, sub.Inbound().Len())

		for i := 0; i < 2; i++ {
			mock.Add(time.Second)
			b.Housekeep()
			seg.Pump()
		}

		assert.Equal(t, "kept", string(receive(t, sub).Body))
		losses := eventsOfType(drainEvents(events), EventDataLoss)
		require.Len(t, losses, 1)
		assert.Equal(t, LossNakRetry, losses[0].Loss.Reason)
		assert.Equal(t, 1, losses[0].Loss.Count)
		assert.Equal(t, 1.0, promtest.ToFloat64(b.Metrics().FramesLost))
	})

	t.Run("evicted_frames_are_declared_expired", func(t *testing.T) {
		a, b, seg, mock := pair(t)
		events := b.Events(16)
		sub := b.OpenChannel()
		require.NoError(t, sub.Join("data"))
		seg.Pump()

		seg.SetDropFunc(dropFrames(wire.KindMsg, a.LocalEndpoint, 1))
		require.NoError(t, a.Send(wire.NewMessage("data", []byte("gone")), wire.KindMsg))
		seg.Pump()

		mock.Add(DefaultRetransmitWindow + time.Second)
		a.HeartbeatTick()
		assert.Equal(t, 0, a.cache.Len())
		seg.Pump()

		require.NoError(t, a.Send(wire.NewMessage("data", []byte("fresh")), wire.KindMsg))
		seg.Pump()

		assert.Equal(t, "fresh", string(receive(t, sub).Body))
		assert.Equal(t, 0, sub.Inbound().Len())
		assert.Equal(t, 1.0, promtest.ToFloat64(a.Metrics().ExpiredSent))

		losses := eventsOfType(drainEvents(events), EventDataLoss)
		require.Len(t, losses, 1)
		assert.Equal(t, LossExpired, losses[0].Loss.Reason)
		assert.Equal(t, uint32(1), losses[0].Loss.From)
		assert.Equal(t, uint32(1), losses[0].Loss.Through)
		assert.Equal(t, int64(2), b.Peer(a.LocalEndpoint()).LastDelivered())
	})

	t.Run("nak_for_unsent_frame_is_ignored", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		peer := a.Peer(b.LocalEndpoint())
		require.NotNil(t, peer)

		a.serviceNak(peer, 50)
		assert.Equal(t, 0, a.Pending())
		seg.Pump()
	})
}

func TestBusLiveness(t *testing.T) {
	t.Run("heartbeat_carries_tcp_address", func(t *testing.T) {
		a, b, seg, mock := pair(t, WithTCPAddress("10.0.0.1:7944"))

		a.HeartbeatTick()
		assert.Equal(t, 0, a.Pending(), "no heartbeat before the interval")

		mock.Add(DefaultHeartbeatInterval)
		a.HeartbeatTick()
		assert.Equal(t, 1, a.Pending())
		seg.Pump()

		assert.Equal(t, "10.0.0.1:7944", b.Peer(a.LocalEndpoint()).TCPAddress())
		assert.Equal(t, "10.0.0.1:7944", b.Peers()[0].TCPAddr)
	})

	t.Run("silent_peers_expire", func(t *testing.T) {
		a, b, _, mock := pair(t)
		events := b.Events(16)

		mock.Add(time.Duration(float64(DefaultExpiration)*expirationSlack) + time.Second)
		b.HeartbeatTick()

		assert.Nil(t, b.Peer(a.LocalEndpoint()))
		expired := eventsOfType(drainEvents(events), EventPeerExpired)
		require.Len(t, expired, 1)
		assert.Equal(t, a.LocalEndpoint(), expired[0].Endpoint)
		assert.Equal(t, 0.0, promtest.ToFloat64(b.Metrics().Peers))
	})

	t.Run("heartbeats_keep_peers_alive", func(t *testing.T) {
		a, b, seg, mock := pair(t)
		for i := 0; i < 6; i++ {
			mock.Add(DefaultHeartbeatInterval)
			a.HeartbeatTick()
			b.HeartbeatTick()
			seg.Pump()
		}
		assert.NotNil(t, b.Peer(a.LocalEndpoint()))
		assert.NotNil(t, a.Peer(b.LocalEndpoint()))
	})

	t.Run("withdraw_removes_peer", func(t *testing.T) {
		a, b, seg, _ := pair(t)
		events := b.Events(16)

		require.NoError(t, a.Withdraw())
		seg.Pump()
		require.True(t, b.Peer(a.LocalEndpoint()).Withdrawn())
		assert.Len(t, eventsOfType(drainEvents(events), EventPeerWithdraw), 1)

		b.HeartbeatTick()
		assert.Nil(t, b.Peer(a.LocalEndpoint()))
	})

	t.Run("close_is_idempotent", func(t *testing.T) {
		seg := testutil.NewSegment()
		a, _ := newTestBus(t, seg, clock.NewMock())
		require.NoError(t, a.Insert())
		a.Start()
		a.Start()
		ch := a.OpenChannel()
		events := a.Events(1)

		require.NoError(t, a.Close())
		require.NoError(t, a.Close())

		assert.True(t, ch.Closed())
		assert.True(t, IsEndOfStream(ch.Get()))
		assert.ErrorIs(t, a.Send(wire.NewMessage("g", nil), wire.KindMsg), ErrClosed)
		assert.ErrorIs(t, a.Insert(), ErrClosed)
		_, ok := <-events
		assert.False(t, ok)
		assert.Equal(t, 0, a.Channels())
	})

	t.Run("invalid_options", func(t *testing.T) {
		_, err := NewBus(WithNakRetryLimit(0))
		var cfgErr *ConfigurationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "nak_retry_limit", cfgErr.Field)

		_, err = NewBus(WithHeartbeatInterval(time.Minute), WithExpiration(time.Second))
		assert.ErrorAs(t, err, &cfgErr)
	})
}

func TestBusOverReactor(t *testing.T) {
	portA, err := testutil.GetUDPPort()
	require.NoError(t, err)
	portB, err := testutil.GetUDPPort()
	require.NoError(t, err)
	loopback := net.IPv4(127, 0, 0, 1)

	// loopback has no broadcast, so each bus broadcasts to the other
	a, err := NewBus(WithLogger(DevNullLogger), WithBroadcastAddress(&net.UDPAddr{IP: loopback, Port: portB}))
	require.NoError(t, err)
	b, err := NewBus(WithLogger(DevNullLogger), WithBroadcastAddress(&net.UDPAddr{IP: loopback, Port: portA}))
	require.NoError(t, err)

	r := reactor.New(reactor.WithPollTimeout(10 * time.Millisecond))
	_, err = a.Register(r, fmt.Sprintf("udp://127.0.0.1:%d", portA))
	require.NoError(t, err)
	_, err = b.Register(r, fmt.Sprintf("udp://127.0.0.1:%d", portB))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	defer func() {
		require.NoError(t, a.Close())
		require.NoError(t, b.Close())
		cancel()
		<-done
		require.NoError(t, r.Close())
	}()

	testutil.WaitWithTimeout(t, func() bool {
		return len(a.Peers()) == 1 && len(b.Peers()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	sub := b.OpenChannel()
	require.NoError(t, sub.Join("chat"))
	testutil.WaitWithTimeout(t, func() bool {
		return len(a.RemoteMembers("chat")) == 1
	}, 5*time.Second, 10*time.Millisecond)

	pub := a.OpenChannel()
	require.NoError(t, pub.SendTo("chat", []byte("over udp")))

	msg, err := sub.GetTimeout(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, "over udp", string(msg.Body))
	assert.Equal(t, a.LocalEndpoint(), msg.Source.Endpoint)
	assert.Equal(t, uint16(portA), msg.Source.Port)
}
