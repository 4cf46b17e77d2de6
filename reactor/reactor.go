// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package reactor is a single goroutine event loop over UDP and TCP sockets.
//
// Blocking reads, accepts and dials happen on small watcher goroutines that
// only post readiness; every handler callback runs on the goroutine calling
// Run, one at a time, in accept, connect, read, write order.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/net/ipv4"
)

// Defaults
const (
	DefaultPollTimeout  = 50 * time.Millisecond
	DefaultBatchSize    = 16
	DefaultMaxDatagram  = 65535
	DefaultWriteTimeout = 2 * time.Second
	DefaultDialTimeout  = 5 * time.Second

	maxEventsPerPoll = 256
	streamBufferSize = 64 * 1024
	maxStreamBacklog = 4 << 20 // Unread stream bytes held for a key
)

// Handler is registered with a key. Initialize is called once the socket is
// bound (or accepted, or dialing).
type Handler interface {
	Initialize(key *Key) error
}

// ReadHandler is called when datagrams or stream bytes are pending
type ReadHandler interface {
	OnReadable(key *Key) error
}

// WriteHandler is called while the key has write interest
type WriteHandler interface {
	OnWritable(key *Key) error
}

// AcceptHandler is called when a listener accepted a connection
type AcceptHandler interface {
	OnAcceptable(key *Key) error
}

// ConnectHandler is called when a dial finished, successfully or not
type ConnectHandler interface {
	OnConnectable(key *Key) error
}

// CloseHandler is told when the reactor tears a key down after a
// transport failure or end of stream
type CloseHandler interface {
	OnClosed(key *Key, err error)
}

// Logger is the logging the reactor needs
type Logger interface {
	Error(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Info(format string, args ...interface{})
	Debug(format string, args ...interface{})
}

type nopLogger struct{}

func (nopLogger) Error(string, ...interface{}) {}
func (nopLogger) Warn(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{}) {}

// Option configures a Reactor
type Option func(r *Reactor)

// WithLogger sets the reactor logger
func WithLogger(l Logger) Option {
	return func(r *Reactor) {
		r.log = l
	}
}

// WithClock sets the time source used for housekeeping tasks
func WithClock(c clock.Clock) Option {
	return func(r *Reactor) {
		r.clock = c
	}
}

// WithPollTimeout bounds how long one loop iteration waits for events
func WithPollTimeout(d time.Duration) Option {
	return func(r *Reactor) {
		r.pollTimeout = d
	}
}

// WithBatchSize sets how many datagrams one read may return
func WithBatchSize(n int) Option {
	return func(r *Reactor) {
		r.batchSize = n
	}
}

// WithMaxDatagram sets the receive buffer size per datagram
func WithMaxDatagram(n int) Option {
	return func(r *Reactor) {
		r.maxDatagram = n
	}
}

// WithWriteTimeout bounds stream writes
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Reactor) {
		r.writeTimeout = d
	}
}

type event struct {
	key       *Key
	op        Op
	datagrams []Datagram
	data      []byte
	conn      net.Conn
	err       error
}

type task struct {
	name  string
	every time.Duration
	next  time.Time
	fn    func()
}

// Reactor multiplexes registered sockets onto one dispatch goroutine.
type Reactor struct {
	log          Logger
	clock        clock.Clock
	pollTimeout  time.Duration
	batchSize    int
	maxDatagram  int
	writeTimeout time.Duration

	events chan event    // Readiness posted by watchers
	wakeup chan struct{} // Interest changes and flags

	keys  map[*Key]struct{} // Registered keys
	tasks []*task           // Housekeeping
	mutex sync.Mutex        // Protects keys and tasks

	shutdown atomic.Bool
	restart  atomic.Bool
	running  atomic.Bool

	ctx    context.Context    // Cancels watchers and dials
	cancel context.CancelFunc // Cancel function
	wg     sync.WaitGroup     // Watcher goroutines
}

// New creates a reactor
func New(opts ...Option) *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Reactor{
		log:          nopLogger{},
		clock:        clock.New(),
		pollTimeout:  DefaultPollTimeout,
		batchSize:    DefaultBatchSize,
		maxDatagram:  DefaultMaxDatagram,
		writeTimeout: DefaultWriteTimeout,
		events:       make(chan event, maxEventsPerPoll),
		wakeup:       make(chan struct{}, 1),
		keys:         make(map[*Key]struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register binds the socket named by uri ("udp://host:port" or
// "tcp://host:port"), registers it for read or accept interest and calls
// handler.Initialize.
func (r *Reactor) Register(handler Handler, uri string) (*Key, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %q: %w", uri, err)
	}

	var k *Key
	switch u.Scheme {
	case "udp":
		lc := net.ListenConfig{Control: udpControl}
		pc, err := lc.ListenPacket(r.ctx, "udp4", u.Host)
		if err != nil {
			return nil, &TransportError{Op: "bind", Addr: u.Host, Err: err}
		}
		k = newKey(r, handler, kindPacket)
		k.packet = pc
		k.interest.Store(uint32(OpRead))

	case "tcp":
		lc := net.ListenConfig{Control: tcpControl}
		ln, err := lc.Listen(r.ctx, "tcp4", u.Host)
		if err != nil {
			return nil, &TransportError{Op: "bind", Addr: u.Host, Err: err}
		}
		k = newKey(r, handler, kindListener)
		k.listener = ln
		k.interest.Store(uint32(OpAccept))

	default:
		return nil, fmt.Errorf("failed to register %q: %w", uri, ErrUnsupportedScheme)
	}
	k.uri = uri

	r.add(k)
	if err := handler.Initialize(k); err != nil {
		k.Cancel()
		return nil, fmt.Errorf("failed to initialize handler for %s: %w", uri, err)
	}

	r.wg.Add(1)
	if k.kind == kindPacket {
		go r.watchPacket(k)
	} else {
		go r.watchListener(k)
	}
	r.log.Debug("registered %s on %v", uri, k.LocalAddr())
	return k, nil
}

// RegisterConn registers an established stream, typically one returned by
// Key.Accept.
func (r *Reactor) RegisterConn(handler Handler, conn net.Conn) (*Key, error) {
	k := newKey(r, handler, kindStream)
	k.stream = conn
	k.interest.Store(uint32(OpRead))

	r.add(k)
	if err := handler.Initialize(k); err != nil {
		k.Cancel()
		return nil, fmt.Errorf("failed to initialize handler for %v: %w", conn.RemoteAddr(), err)
	}
	r.startStream(k)
	return k, nil
}

// Connect dials addr in the background. The handler's OnConnectable runs
// when the dial finishes and must call Key.FinishConnect.
func (r *Reactor) Connect(handler Handler, addr string) (*Key, error) {
	k := newKey(r, handler, kindConnecting)
	k.remote = addr
	k.interest.Store(uint32(OpConnect))

	r.add(k)
	if err := handler.Initialize(k); err != nil {
		k.Cancel()
		return nil, fmt.Errorf("failed to initialize handler for %s: %w", addr, err)
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		d := net.Dialer{Timeout: DefaultDialTimeout}
		conn, err := d.DialContext(r.ctx, "tcp4", addr)
		if !r.post(k, event{key: k, op: OpConnect, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
	return k, nil
}

// Schedule runs fn on the reactor goroutine every interval.
func (r *Reactor) Schedule(name string, every time.Duration, fn func()) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.tasks = append(r.tasks, &task{
		name:  name,
		every: every,
		next:  r.clock.Now().Add(every),
		fn:    fn,
	})
}

// Run dispatches events until Shutdown is called or ctx is done.
func (r *Reactor) Run(ctx context.Context) error {
	if !r.running.CompareAndSwap(false, true) {
		return fmt.Errorf("reactor already running")
	}
	defer r.running.Store(false)

	r.log.Debug("reactor loop started")
	defer r.log.Debug("reactor loop stopped")

	for {
		if r.shutdown.Load() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.restart.Swap(false) {
			r.rebind()
		}

		// Accept, connect and read events go out as they arrive; write
		// readiness is swept once per iteration for every key after them.
		for _, ev := range r.poll(ctx) {
			r.dispatch(ev)
		}
		r.dispatchWritable()
		r.runTasks()
	}
}

// Shutdown asks Run to return at the next loop boundary
func (r *Reactor) Shutdown() {
	r.shutdown.Store(true)
	r.wake()
}

// Restart asks Run to rebind every key created by Register at the next
// loop boundary.
func (r *Reactor) Restart() {
	r.restart.Store(true)
	r.wake()
}

// Close cancels every key and waits for the watcher goroutines.
func (r *Reactor) Close() error {
	r.Shutdown()
	r.cancel()

	var err error
	for _, k := range r.snapshot() {
		if cerr := k.Cancel(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("failed to close %v: %w", k, cerr))
		}
	}
	r.wg.Wait()
	return err
}

// Keys returns the number of registered keys
func (r *Reactor) Keys() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.keys)
}

func (r *Reactor) poll(ctx context.Context) []event {
	timeout := r.pollTimeout
	if d := r.untilNextTask(); d < timeout {
		timeout = d
	}
	if r.hasWriteInterest() {
		timeout = 0
	}

	var evs []event
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		select {
		case ev := <-r.events:
			evs = append(evs, ev)
		case <-r.wakeup:
		case <-timer.C:
		case <-ctx.Done():
		}
		timer.Stop()
	}

	for len(evs) < maxEventsPerPoll {
		select {
		case ev := <-r.events:
			evs = append(evs, ev)
		default:
			return evs
		}
	}
	return evs
}

func (r *Reactor) dispatch(ev event) {
	k := ev.key
	if !k.Valid() {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}

	switch ev.op {
	case OpRead:
		if ev.err != nil {
			r.teardown(k, ev.err)
			return
		}
		if k.Interest()&OpRead == 0 {
			// Datagrams are dropped while nobody reads. Stream bytes are
			// held up to maxStreamBacklog.
			if len(ev.datagrams) > 0 {
				r.log.Debug("%v: dropped %d datagrams without read interest", k, len(ev.datagrams))
			}
			if len(k.data)+len(ev.data) > maxStreamBacklog {
				r.teardown(k, &TransportError{Op: "read", Addr: addrString(k.RemoteAddr()), Err: errReadBacklog})
				return
			}
			k.data = append(k.data, ev.data...)
			return
		}
		k.datagrams = append(k.datagrams, ev.datagrams...)
		k.data = append(k.data, ev.data...)
	case OpAccept:
		if ev.err != nil {
			r.teardown(k, ev.err)
			return
		}
		k.accepted = append(k.accepted, ev.conn)
	case OpConnect:
		k.dialed, k.dialErr = ev.conn, ev.err
	}

	if k.Interest()&ev.op == 0 {
		return
	}
	r.invoke(k, ev.op)
	k.datagrams = nil
}

func (r *Reactor) dispatchWritable() {
	for _, k := range r.snapshot() {
		if k.Valid() && k.Interest()&OpWrite != 0 {
			r.invoke(k, OpWrite)
		}
	}
}

// invoke calls the handler for each ready op, re-checking the key before
// each call since a handler may cancel its own key.
func (r *Reactor) invoke(k *Key, ready Op) {
	k.ready = ready
	defer func() { k.ready = 0 }()

	for _, op := range dispatchOrder {
		if ready&op == 0 {
			continue
		}
		if !k.Valid() {
			return
		}
		if err := r.call(k, op); err != nil {
			if IsTransportError(err) {
				r.teardown(k, err)
				return
			}
			r.log.Warn("handler for %v failed on %s: %v", k, op, err)
		}
	}
}

func (r *Reactor) call(k *Key, op Op) (err error) {
	defer func() {
		if v := recover(); v != nil {
			r.log.Error("handler for %v panicked on %s: %v", k, op, v)
			err = nil
		}
	}()

	switch op {
	case OpAccept:
		if h, ok := k.handler.(AcceptHandler); ok {
			return h.OnAcceptable(k)
		}
	case OpConnect:
		if h, ok := k.handler.(ConnectHandler); ok {
			return h.OnConnectable(k)
		}
		return k.FinishConnect()
	case OpRead:
		if h, ok := k.handler.(ReadHandler); ok {
			return h.OnReadable(k)
		}
	case OpWrite:
		if h, ok := k.handler.(WriteHandler); ok {
			return h.OnWritable(k)
		}
		k.RemoveInterest(OpWrite)
	}
	return nil
}

func (r *Reactor) teardown(k *Key, err error) {
	if !errors.Is(err, errEndOfStream) {
		r.log.Error("closing %v: %v", k, err)
	} else {
		r.log.Debug("closing %v: end of stream", k)
	}
	k.Cancel()
	if h, ok := k.handler.(CloseHandler); ok {
		func() {
			defer func() {
				if v := recover(); v != nil {
					r.log.Error("close handler for %v panicked: %v", k, v)
				}
			}()
			h.OnClosed(k, err)
		}()
	}
}

// rebind replaces every URI-registered key with a freshly bound one
func (r *Reactor) rebind() {
	for _, k := range r.snapshot() {
		if k.uri == "" {
			continue
		}
		k.Cancel()
		if _, err := r.Register(k.handler, k.uri); err != nil {
			r.log.Error("failed to rebind %s: %v", k.uri, err)
			continue
		}
		r.log.Info("rebound %s", k.uri)
	}
}

func (r *Reactor) runTasks() {
	now := r.clock.Now()

	r.mutex.Lock()
	var due []*task
	for _, t := range r.tasks {
		if !now.Before(t.next) {
			t.next = now.Add(t.every)
			due = append(due, t)
		}
	}
	r.mutex.Unlock()

	for _, t := range due {
		func() {
			defer func() {
				if v := recover(); v != nil {
					r.log.Error("task %s panicked: %v", t.name, v)
				}
			}()
			t.fn()
		}()
	}
}

func (r *Reactor) untilNextTask() time.Duration {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	if len(r.tasks) == 0 {
		return r.pollTimeout
	}
	now := r.clock.Now()
	wait := r.pollTimeout
	for _, t := range r.tasks {
		if d := t.next.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait
}

func (r *Reactor) hasWriteInterest() bool {
	for _, k := range r.snapshot() {
		if k.Valid() && k.Interest()&OpWrite != 0 {
			return true
		}
	}
	return false
}

func (r *Reactor) add(k *Key) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.keys[k] = struct{}{}
}

func (r *Reactor) remove(k *Key) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	delete(r.keys, k)
}

func (r *Reactor) snapshot() []*Key {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	out := make([]*Key, 0, len(r.keys))
	for k := range r.keys {
		out = append(out, k)
	}
	return out
}

func (r *Reactor) wake() {
	select {
	case r.wakeup <- struct{}{}:
	default:
	}
}

// post hands an event to the loop, giving up once the key is cancelled
func (r *Reactor) post(k *Key, ev event) bool {
	select {
	case r.events <- ev:
		return true
	case <-k.done:
		return false
	case <-r.ctx.Done():
		return false
	}
}

var (
	errEndOfStream = errors.New("end of stream")
	errReadBacklog = errors.New("read backlog exceeded")
)

func (r *Reactor) watchPacket(k *Key) {
	defer r.wg.Done()

	pc := ipv4.NewPacketConn(k.packet)
	msgs := make([]ipv4.Message, r.batchSize)
	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, r.maxDatagram)}
	}

	for {
		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if !k.Valid() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.post(k, event{key: k, op: OpRead, err: &TransportError{Op: "read", Addr: addrString(k.packet.LocalAddr()), Err: err}})
			return
		}

		dgs := make([]Datagram, 0, n)
		for i := 0; i < n; i++ {
			m := &msgs[i]
			dgs = append(dgs, Datagram{
				Data: append([]byte(nil), m.Buffers[0][:m.N]...),
				Addr: m.Addr,
			})
		}
		if !r.post(k, event{key: k, op: OpRead, datagrams: dgs}) {
			return
		}
	}
}

func (r *Reactor) watchListener(k *Key) {
	defer r.wg.Done()

	for {
		conn, err := k.listener.Accept()
		if err != nil {
			if !k.Valid() || errors.Is(err, net.ErrClosed) {
				return
			}
			r.post(k, event{key: k, op: OpAccept, err: &TransportError{Op: "accept", Addr: addrString(k.listener.Addr()), Err: err}})
			return
		}
		if !r.post(k, event{key: k, op: OpAccept, conn: conn}) {
			conn.Close()
			return
		}
	}
}

func (r *Reactor) startStream(k *Key) {
	r.wg.Add(1)
	go r.watchStream(k)
}

func (r *Reactor) watchStream(k *Key) {
	defer r.wg.Done()

	buf := make([]byte, streamBufferSize)
	for {
		n, err := k.stream.Read(buf)
		if n > 0 {
			if !r.post(k, event{key: k, op: OpRead, data: append([]byte(nil), buf[:n]...)}) {
				return
			}
		}
		if err != nil {
			if !k.Valid() || errors.Is(err, net.ErrClosed) {
				return
			}
			cause := err
			if errors.Is(err, io.EOF) {
				cause = errEndOfStream
			}
			r.post(k, event{key: k, op: OpRead, err: &TransportError{Op: "read", Addr: addrString(k.stream.RemoteAddr()), Err: cause}})
			return
		}
	}
}
