// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bridge relays bus frames over TCP between segments that do not
// pass UDP broadcast. Frames travel unchanged; the 13-byte header length
// field delimits them on the stream.
package bridge

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"

	"go.uber.org/multierr"

	"github.com/destiny/meshbus"
	"github.com/destiny/meshbus/reactor"
	"github.com/destiny/meshbus/wire"
)

// Sink receives frames read from a link. *meshbus.Bus implements it.
type Sink interface {
	Inject(data []byte, from net.Addr)
}

// Option configures a Relay
type Option func(r *Relay)

// WithLogger sets the relay logger
func WithLogger(l *meshbus.Logger) Option {
	return func(r *Relay) {
		r.log = l
	}
}

// WithMaxPayload bounds the payload length accepted from a link
func WithMaxPayload(n int) Option {
	return func(r *Relay) {
		r.maxPayload = n
	}
}

// WithForwarding makes the relay a hub: frames read from one link are also
// written to every other link.
func WithForwarding(on bool) Option {
	return func(r *Relay) {
		r.forward = on
	}
}

// WithMaxPending bounds the bytes queued for one link before frames are
// dropped.
func WithMaxPending(n int) Option {
	return func(r *Relay) {
		r.maxPending = n
	}
}

const defaultMaxPending = 4 << 20

// link is one TCP connection to another relay
type link struct {
	key     *reactor.Key
	remote  net.Addr
	inbound []byte

	mu      sync.Mutex
	pending []byte
}

// queue appends a frame for the writer, reporting false when the link is
// backed up.
func (l *link) queue(data []byte, limit int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit > 0 && len(l.pending)+len(data) > limit {
		return false
	}
	l.pending = append(l.pending, data...)
	return true
}

func (l *link) take() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	d := l.pending
	l.pending = nil
	return d
}

// unread puts back bytes a short write left over
func (l *link) unread(rest []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pending = append(append([]byte(nil), rest...), l.pending...)
}

// Relay is a reactor handler for TCP links. It must share the reactor of
// the bus it feeds, since Sink.Inject runs on the reactor goroutine.
type Relay struct {
	log        *meshbus.Logger
	reactor    *reactor.Reactor
	sink       Sink
	maxPayload int
	maxPending int
	forward    bool

	mu     sync.RWMutex
	links  map[*reactor.Key]*link
	owned  []*reactor.Key
	wanted map[string]*reactor.Key // Kept dial targets and their current key
}

// NewRelay creates a relay feeding sink
func NewRelay(r *reactor.Reactor, sink Sink, opts ...Option) *Relay {
	rl := &Relay{
		log:        meshbus.DefaultLogger.Named("bridge"),
		reactor:    r,
		sink:       sink,
		maxPayload: wire.DefaultMaxPayload,
		maxPending: defaultMaxPending,
		links:      make(map[*reactor.Key]*link),
		wanted:     make(map[string]*reactor.Key),
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Listen accepts links on uri ("tcp://host:port")
func (r *Relay) Listen(uri string) (*reactor.Key, error) {
	k, err := r.reactor.Register(r, uri)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", uri, err)
	}
	r.own(k)
	r.log.Info("bridge listening on %v", k.LocalAddr())
	return k, nil
}

// Dial opens a link to another relay at addr ("host:port"). The link is
// usable once the dial completes on the reactor.
func (r *Relay) Dial(addr string) (*reactor.Key, error) {
	k, err := r.reactor.Connect(r, addr)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	r.own(k)
	return k, nil
}

// Keep dials addr and redials it from Redial whenever its link is down
func (r *Relay) Keep(addr string) error {
	r.mu.Lock()
	if _, ok := r.wanted[addr]; ok {
		r.mu.Unlock()
		return nil
	}
	r.wanted[addr] = nil
	r.mu.Unlock()
	return r.redial(addr)
}

// Redial dials every kept target whose last key is gone. It is meant to
// run as a reactor task.
func (r *Relay) Redial() {
	r.mu.RLock()
	var down []string
	for addr, k := range r.wanted {
		if k == nil || !k.Valid() {
			down = append(down, addr)
		}
	}
	r.mu.RUnlock()

	sort.Strings(down)
	for _, addr := range down {
		if err := r.redial(addr); err != nil {
			r.log.Warn("%v", err)
		}
	}
}

func (r *Relay) redial(addr string) error {
	k, err := r.reactor.Connect(r, addr)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.wanted[addr]; !ok {
		// closed meanwhile
		k.Cancel()
		return nil
	}
	r.wanted[addr] = k
	r.log.Debug("dialing bridge peer %s", addr)
	return nil
}

func (r *Relay) own(k *reactor.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owned = append(r.owned, k)
}

// Initialize implements reactor.Handler. Accepted streams are registered
// with read interest and become links immediately.
func (r *Relay) Initialize(key *reactor.Key) error {
	if key.Interest()&reactor.OpRead != 0 && key.RemoteAddr() != nil {
		r.addLink(key)
	}
	return nil
}

// OnAcceptable implements reactor.AcceptHandler
func (r *Relay) OnAcceptable(key *reactor.Key) error {
	for {
		conn, ok := key.Accept()
		if !ok {
			return nil
		}
		if _, err := r.reactor.RegisterConn(r, conn); err != nil {
			r.log.Warn("failed to register link from %v: %v", conn.RemoteAddr(), err)
			conn.Close()
		}
	}
}

// OnConnectable implements reactor.ConnectHandler
func (r *Relay) OnConnectable(key *reactor.Key) error {
	if err := key.FinishConnect(); err != nil {
		return err
	}
	r.addLink(key)
	return nil
}

func (r *Relay) addLink(key *reactor.Key) {
	l := &link{key: key, remote: key.RemoteAddr()}
	r.mu.Lock()
	r.links[key] = l
	r.mu.Unlock()
	r.log.Info("bridge link up: %v", key)
}

func (r *Relay) link(key *reactor.Key) *link {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.links[key]
}

// OnReadable implements reactor.ReadHandler. Complete frames are handed to
// the sink; a partial frame waits for more bytes.
func (r *Relay) OnReadable(key *reactor.Key) error {
	l := r.link(key)
	if l == nil {
		key.Read()
		return nil
	}
	l.inbound = append(l.inbound, key.Read()...)

	for {
		n, err := wire.FrameLength(l.inbound, r.maxPayload)
		if err != nil {
			return &reactor.TransportError{Op: "read", Addr: l.remote.String(), Err: err}
		}
		if n == 0 || len(l.inbound) < n {
			break
		}
		frame := append([]byte(nil), l.inbound[:n]...)
		l.inbound = l.inbound[n:]

		r.sink.Inject(frame, l.remote)
		if r.forward {
			r.broadcast(frame, key)
		}
	}
	if len(l.inbound) == 0 {
		l.inbound = nil
	}
	return nil
}

// OnWritable implements reactor.WriteHandler
func (r *Relay) OnWritable(key *reactor.Key) error {
	key.RemoveInterest(reactor.OpWrite)
	l := r.link(key)
	if l == nil {
		return nil
	}
	data := l.take()
	if len(data) == 0 {
		return nil
	}
	n, err := key.Write(data)
	if err != nil {
		return err
	}
	if n < len(data) {
		l.unread(data[n:])
		key.AddInterest(reactor.OpWrite)
	}
	return nil
}

// OnClosed implements reactor.CloseHandler
func (r *Relay) OnClosed(key *reactor.Key, err error) {
	r.mu.Lock()
	_, ok := r.links[key]
	delete(r.links, key)
	r.mu.Unlock()
	if ok {
		r.log.Info("bridge link down: %v: %v", key, err)
	}
}

// Forward implements meshbus.Tap. A nil destination writes to every link.
func (r *Relay) Forward(data []byte, to net.Addr) error {
	if to == nil {
		r.broadcast(data, nil)
		return nil
	}

	r.mu.RLock()
	var dest *link
	for _, l := range r.links {
		if l.remote.String() == to.String() {
			dest = l
			break
		}
	}
	r.mu.RUnlock()
	if dest == nil {
		return fmt.Errorf("bridge: no link to %v", to)
	}
	return r.send(dest, data)
}

func (r *Relay) broadcast(data []byte, except *reactor.Key) {
	r.mu.RLock()
	targets := make([]*link, 0, len(r.links))
	for k, l := range r.links {
		if k != except {
			targets = append(targets, l)
		}
	}
	r.mu.RUnlock()

	for _, l := range targets {
		if err := r.send(l, data); err != nil {
			r.log.Debug("%v", err)
		}
	}
}

func (r *Relay) send(l *link, data []byte) error {
	if !l.queue(data, r.maxPending) {
		return fmt.Errorf("bridge: link to %v backed up, dropping %d bytes", l.remote, len(data))
	}
	l.key.AddInterest(reactor.OpWrite)
	return nil
}

// Links returns the remote addresses of the open links, sorted
func (r *Relay) Links() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l.remote.String())
	}
	sort.Strings(out)
	return out
}

// Close cancels the listeners, dials and links the relay owns
func (r *Relay) Close() error {
	r.mu.Lock()
	keys := r.owned
	r.owned = nil
	for k := range r.links {
		keys = append(keys, k)
	}
	for _, k := range r.wanted {
		if k != nil {
			keys = append(keys, k)
		}
	}
	r.links = make(map[*reactor.Key]*link)
	r.wanted = make(map[string]*reactor.Key)
	r.mu.Unlock()

	var err error
	for _, k := range keys {
		err = multierr.Append(err, ignoreClosed(k.Cancel()))
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
