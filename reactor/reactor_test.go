// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package reactor

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects datagrams and stream bytes on the reactor goroutine
type recorder struct {
	mutex     sync.Mutex
	key       *Key
	datagrams []Datagram
	stream    []byte
	accepted  []*Key
	closed    []error
	reactor   *Reactor
	writes    int
	pending   [][]byte
	panicOnce bool
}

func (h *recorder) Initialize(key *Key) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.key == nil {
		h.key = key
	}
	return nil
}

func (h *recorder) OnReadable(key *Key) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.panicOnce {
		h.panicOnce = false
		panic("boom")
	}
	h.datagrams = append(h.datagrams, key.ReadDatagrams()...)
	h.stream = append(h.stream, key.Read()...)
	return nil
}

func (h *recorder) OnWritable(key *Key) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.writes++
	for _, b := range h.pending {
		if _, err := key.Write(b); err != nil {
			return err
		}
	}
	h.pending = nil
	key.RemoveInterest(OpWrite)
	return nil
}

func (h *recorder) OnAcceptable(key *Key) error {
	for {
		conn, ok := key.Accept()
		if !ok {
			return nil
		}
		k, err := h.reactor.RegisterConn(h, conn)
		if err != nil {
			return err
		}
		h.mutex.Lock()
		h.accepted = append(h.accepted, k)
		h.mutex.Unlock()
	}
}

func (h *recorder) OnClosed(key *Key, err error) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.closed = append(h.closed, err)
}

func (h *recorder) datagramCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.datagrams)
}

func (h *recorder) streamBytes() string {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return string(h.stream)
}

func runReactor(t *testing.T, r *Reactor) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	return func() {
		r.Shutdown()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Error("reactor did not stop")
		}
		cancel()
		require.NoError(t, r.Close())
	}
}

func TestReactorUDP(t *testing.T) {
	t.Run("datagrams_are_dispatched", func(t *testing.T) {
		r := New()
		h := &recorder{reactor: r}

		key, err := r.Register(h, "udp://127.0.0.1:0")
		require.NoError(t, err)
		assert.Equal(t, OpRead, key.Interest())
		assert.Same(t, key, h.key)

		stop := runReactor(t, r)
		defer stop()

		client, err := net.Dial("udp4", key.LocalAddr().String())
		require.NoError(t, err)
		defer client.Close()

		for i := 0; i < 5; i++ {
			_, err := client.Write([]byte{byte(i), 1, 2, 3})
			require.NoError(t, err)
		}

		assert.Eventually(t, func() bool { return h.datagramCount() == 5 }, 2*time.Second, 10*time.Millisecond)

		h.mutex.Lock()
		defer h.mutex.Unlock()
		for i, d := range h.datagrams {
			assert.Equal(t, []byte{byte(i), 1, 2, 3}, d.Data)
			assert.Equal(t, client.LocalAddr().String(), d.Addr.String())
		}
	})

	t.Run("write_to_sends_datagram", func(t *testing.T) {
		r := New()
		h := &recorder{reactor: r}
		key, err := r.Register(h, "udp://127.0.0.1:0")
		require.NoError(t, err)
		defer r.Close()

		peer, err := net.ListenPacket("udp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer peer.Close()

		_, err = key.WriteTo([]byte("hello"), peer.LocalAddr())
		require.NoError(t, err)

		buf := make([]byte, 64)
		require.NoError(t, peer.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, from, err := peer.ReadFrom(buf)
		require.NoError(t, err)
		assert.Equal(t, "hello", string(buf[:n]))
		assert.Equal(t, key.LocalAddr().String(), from.String())
	})

	t.Run("datagrams_without_read_interest_are_dropped", func(t *testing.T) {
		r := New()
		h := &recorder{reactor: r}
		key, err := r.Register(h, "udp://127.0.0.1:0")
		require.NoError(t, err)
		key.RemoveInterest(OpRead)

		stop := runReactor(t, r)
		defer stop()

		client, err := net.Dial("udp4", key.LocalAddr().String())
		require.NoError(t, err)
		defer client.Close()

		for i := 0; i < 3; i++ {
			_, err := client.Write([]byte("before"))
			require.NoError(t, err)
		}
		time.Sleep(200 * time.Millisecond)
		assert.Equal(t, 0, h.datagramCount())

		key.AddInterest(OpRead)
		_, err = client.Write([]byte("after"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return h.datagramCount() == 1 }, 2*time.Second, 10*time.Millisecond)
		time.Sleep(100 * time.Millisecond)

		h.mutex.Lock()
		defer h.mutex.Unlock()
		require.Len(t, h.datagrams, 1)
		assert.Equal(t, "after", string(h.datagrams[0].Data))
	})

	t.Run("handler_panic_keeps_loop_running", func(t *testing.T) {
		r := New()
		h := &recorder{reactor: r, panicOnce: true}
		key, err := r.Register(h, "udp://127.0.0.1:0")
		require.NoError(t, err)

		stop := runReactor(t, r)
		defer stop()

		client, err := net.Dial("udp4", key.LocalAddr().String())
		require.NoError(t, err)
		defer client.Close()

		_, err = client.Write([]byte("first"))
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
		_, err = client.Write([]byte("second"))
		require.NoError(t, err)

		assert.Eventually(t, func() bool { return h.datagramCount() >= 1 }, 2*time.Second, 10*time.Millisecond)
		assert.True(t, key.Valid())
	})
}

func TestReactorTCP(t *testing.T) {
	t.Run("accept_and_read", func(t *testing.T) {
		r := New()
		h := &recorder{reactor: r}
		key, err := r.Register(h, "tcp://127.0.0.1:0")
		require.NoError(t, err)
		assert.Equal(t, OpAccept, key.Interest())

		stop := runReactor(t, r)
		defer stop()

		conn, err := net.Dial("tcp4", key.LocalAddr().String())
		require.NoError(t, err)

		_, err = conn.Write([]byte("over tcp"))
		require.NoError(t, err)
		assert.Eventually(t, func() bool { return h.streamBytes() == "over tcp" }, 2*time.Second, 10*time.Millisecond)

		require.NoError(t, conn.Close())
		assert.Eventually(t, func() bool {
			h.mutex.Lock()
			defer h.mutex.Unlock()
			return len(h.closed) == 1
		}, 2*time.Second, 10*time.Millisecond)

		h.mutex.Lock()
		assert.True(t, errors.Is(h.closed[0], errEndOfStream))
		h.mutex.Unlock()
	})

	t.Run("connect_and_write", func(t *testing.T) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		received := make(chan string, 1)
		go func() {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			defer c.Close()
			buf := make([]byte, 64)
			n, _ := c.Read(buf)
			received <- string(buf[:n])
		}()

		r := New()
		h := &recorder{reactor: r, pending: [][]byte{[]byte("dialed")}}
		key, err := r.Connect(h, ln.Addr().String())
		require.NoError(t, err)
		assert.Equal(t, OpConnect, key.Interest())

		stop := runReactor(t, r)
		defer stop()

		assert.Eventually(t, func() bool { return key.Interest() == OpRead }, 2*time.Second, 10*time.Millisecond)
		key.AddInterest(OpWrite)

		select {
		case got := <-received:
			assert.Equal(t, "dialed", got)
		case <-time.After(2 * time.Second):
			t.Fatal("nothing received")
		}
	})

	t.Run("failed_connect_tears_down", func(t *testing.T) {
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		require.NoError(t, err)
		addr := ln.Addr().String()
		require.NoError(t, ln.Close())

		r := New()
		h := &recorder{reactor: r}
		key, err := r.Connect(h, addr)
		require.NoError(t, err)

		stop := runReactor(t, r)
		defer stop()

		assert.Eventually(t, func() bool { return !key.Valid() }, 5*time.Second, 10*time.Millisecond)
		h.mutex.Lock()
		defer h.mutex.Unlock()
		require.Len(t, h.closed, 1)
		assert.True(t, IsTransportError(h.closed[0]))
	})
}

func TestReactorLifecycle(t *testing.T) {
	t.Run("unsupported_scheme", func(t *testing.T) {
		r := New()
		defer r.Close()

		_, err := r.Register(&recorder{reactor: r}, "ipc:///tmp/bus")
		assert.ErrorIs(t, err, ErrUnsupportedScheme)
	})

	t.Run("initialize_error_cancels_key", func(t *testing.T) {
		r := New()
		defer r.Close()

		_, err := r.Register(failingHandler{}, "udp://127.0.0.1:0")
		require.Error(t, err)
		assert.Equal(t, 0, r.Keys())
	})

	t.Run("scheduled_tasks_run", func(t *testing.T) {
		r := New(WithPollTimeout(5 * time.Millisecond))
		var runs atomic.Int32
		r.Schedule("count", 10*time.Millisecond, func() { runs.Add(1) })

		stop := runReactor(t, r)
		assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
		stop()
	})

	t.Run("restart_rebinds", func(t *testing.T) {
		r := New()
		h := &recorder{reactor: r}
		key, err := r.Register(h, "udp://127.0.0.1:0")
		require.NoError(t, err)

		stop := runReactor(t, r)
		defer stop()

		r.Restart()
		assert.Eventually(t, func() bool { return !key.Valid() && r.Keys() == 1 }, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("cancel_is_idempotent", func(t *testing.T) {
		r := New()
		key, err := r.Register(&recorder{reactor: r}, "udp://127.0.0.1:0")
		require.NoError(t, err)

		require.NoError(t, key.Cancel())
		require.NoError(t, key.Cancel())
		assert.False(t, key.Valid())
		assert.NoError(t, r.Close())
	})

	t.Run("op_string", func(t *testing.T) {
		assert.Equal(t, "none", Op(0).String())
		assert.Equal(t, "read|write", (OpRead | OpWrite).String())
		assert.Equal(t, "accept|connect", (OpConnect | OpAccept).String())
	})
}

type failingHandler struct{}

func (failingHandler) Initialize(*Key) error {
	return errors.New("refused")
}
