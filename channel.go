// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package meshbus

import (
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/destiny/meshbus/wire"
)

const matchCacheSize = 256

// Sink receives messages directly instead of a Channel queue
type Sink func(msg *wire.Message) error

// Channel is an application endpoint on the bus: it holds group
// subscriptions and the inbound and outbound message streams.
type Channel struct {
	id      uint32               // Channel id within the bus
	address func() *wire.Address // Current address, follows endpoint changes

	inbound  *Queue // Messages received for this channel
	outbound *Queue // Messages sent when no outbound sink is set

	groups     map[string]groupPattern  // Canonical name to pattern
	created    map[string]bool          // Private groups created here
	matchCache *lru.Cache[string, bool] // Group name to match result
	inSink     Sink                     // Direct inbound dispatch
	outSink    Sink                     // Direct outbound dispatch
	closed     bool                     // Close was called
	mutex      sync.RWMutex             // Protects the fields above

	onJoin  func(group string) // Called for public joins
	onLeave func(group string) // Called for public leaves
	onClose func(c *Channel)   // Called once on close
}

// ChannelOption configures a Channel
type ChannelOption func(c *Channel)

// WithInboundSink delivers received messages to fn instead of the inbound queue.
func WithInboundSink(fn Sink) ChannelOption {
	return func(c *Channel) {
		c.inSink = fn
	}
}

// WithOutboundSink hands sent messages to fn instead of the outbound queue.
func WithOutboundSink(fn Sink) ChannelOption {
	return func(c *Channel) {
		c.outSink = fn
	}
}

// WithChannelAddress sets a fixed address for a standalone channel.
func WithChannelAddress(addr *wire.Address) ChannelOption {
	return func(c *Channel) {
		c.address = func() *wire.Address { return addr.Clone() }
	}
}

// WithChannelQueueCapacity bounds both channel queues.
func WithChannelQueueCapacity(n int) ChannelOption {
	return func(c *Channel) {
		c.inbound = NewQueue(n)
		c.outbound = NewQueue(n)
	}
}

// NewChannel creates a channel that is not attached to a bus
func NewChannel(id uint32, opts ...ChannelOption) *Channel {
	cache, err := lru.New[string, bool](matchCacheSize)
	if err != nil {
		panic(fmt.Errorf("meshbus: failed to create match cache: %w", err))
	}

	c := &Channel{
		id:         id,
		address:    func() *wire.Address { return &wire.Address{Channel: id} },
		inbound:    NewQueue(DefaultQueueCapacity),
		outbound:   NewQueue(DefaultQueueCapacity),
		groups:     make(map[string]groupPattern),
		created:    make(map[string]bool),
		matchCache: cache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the channel id
func (c *Channel) ID() uint32 {
	return c.id
}

// Address returns the channel's current address
func (c *Channel) Address() *wire.Address {
	return c.address()
}

// CreatePrivateGroup generates an inbox group name that only this channel
// may join. Other channels may send to it.
func (c *Channel) CreatePrivateGroup() string {
	name := NewPrivateGroupName()

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.created[CanonicalGroup(name)] = true
	return name
}

// Join subscribes to a group pattern. Private groups can only be joined by
// the channel that created them.
func (c *Channel) Join(group string) error {
	pattern, ok := parseGroupPattern(group)
	if !ok {
		return fmt.Errorf("failed to join %q: %w", group, ErrInvalidGroup)
	}

	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return ErrClosed
	}
	if pattern.private && !c.created[pattern.name] {
		c.mutex.Unlock()
		return fmt.Errorf("failed to join %q: %w", group, ErrNotAuthorized)
	}
	if _, exists := c.groups[pattern.name]; exists {
		c.mutex.Unlock()
		return nil
	}
	c.groups[pattern.name] = pattern
	c.matchCache.Purge()
	c.mutex.Unlock()

	if !pattern.private && c.onJoin != nil {
		c.onJoin(pattern.name)
	}
	return nil
}

// Leave drops a group subscription
func (c *Channel) Leave(group string) error {
	pattern, ok := parseGroupPattern(group)
	if !ok {
		return fmt.Errorf("failed to leave %q: %w", group, ErrInvalidGroup)
	}

	c.mutex.Lock()
	if _, exists := c.groups[pattern.name]; !exists {
		c.mutex.Unlock()
		return nil
	}
	delete(c.groups, pattern.name)
	c.matchCache.Purge()
	closed := c.closed
	c.mutex.Unlock()

	if !pattern.private && !closed && c.onLeave != nil {
		c.onLeave(pattern.name)
	}
	return nil
}

// Groups returns the joined group patterns in canonical form
func (c *Channel) Groups() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	out := make([]string, 0, len(c.groups))
	for name := range c.groups {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Matches reports whether any joined pattern matches group
func (c *Channel) Matches(group string) bool {
	name := CanonicalGroup(group)
	if name == "" {
		return false
	}
	if hit, ok := c.matchCache.Get(name); ok {
		return hit
	}

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	hit := false
	for _, p := range c.groups {
		if p.matches(name) {
			hit = true
			break
		}
	}
	c.matchCache.Add(name, hit)
	return hit
}

// Send stamps the source address if missing and passes the message to the
// outbound sink or queue. Sending on a closed channel does nothing.
func (c *Channel) Send(msg *wire.Message) error {
	c.mutex.RLock()
	closed, sink := c.closed, c.outSink
	c.mutex.RUnlock()

	if closed {
		return nil
	}
	if msg.Source == nil {
		msg.Source = c.Address()
	}
	if sink != nil {
		return sink(msg)
	}
	return c.outbound.Put(msg)
}

// SendTo sends body to a group
func (c *Channel) SendTo(group string, body []byte) error {
	return c.Send(wire.NewMessage(group, body))
}

// Receive passes an inbound message to the inbound sink or queue.
// Receiving on a closed channel does nothing.
func (c *Channel) Receive(msg *wire.Message) error {
	c.mutex.RLock()
	closed, sink := c.closed, c.inSink
	c.mutex.RUnlock()

	if closed {
		return nil
	}
	if sink != nil {
		return sink(msg)
	}
	return c.inbound.Put(msg)
}

// Get blocks until a message arrives. After Close it returns EndOfStream.
func (c *Channel) Get() *wire.Message {
	return c.inbound.Get()
}

// GetTimeout waits at most d for a message
func (c *Channel) GetTimeout(d time.Duration) (*wire.Message, error) {
	return c.inbound.GetTimeout(d)
}

// Inbound returns the inbound queue
func (c *Channel) Inbound() *Queue {
	return c.inbound
}

// Outbound returns the outbound queue, used when no outbound sink is set
func (c *Channel) Outbound() *Queue {
	return c.outbound
}

// Closed reports whether the channel was closed
func (c *Channel) Closed() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.closed
}

// Close wakes blocked readers with EndOfStream. It is safe to call more
// than once and from any goroutine.
func (c *Channel) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	onClose := c.onClose
	c.mutex.Unlock()

	c.inbound.Close()
	c.outbound.Close()
	if onClose != nil {
		onClose(c)
	}
	return nil
}
