package mock

import (
	"context"
	"errors"
	"sync"

	resilientgateway "github.com/opengovern/resilient-gateway"
)

// ErrDropped is what a RealtimeConn read returns after Drop.
var ErrDropped = errors.New("realtime transport dropped")

// RealtimeDialer is a scripted RealtimeDialer. Each Dial consumes one queued
// error (nil means success); with nothing queued every dial succeeds.
type RealtimeDialer struct {
	mu        sync.Mutex
	failures  []error
	conns     []*RealtimeConn
	dials     int
	tokens    []string
	connected chan *RealtimeConn
}

func NewRealtimeDialer() *RealtimeDialer {
	return &RealtimeDialer{connected: make(chan *RealtimeConn, 64)}
}

// FailNext queues dial outcomes; use nil for a success in the sequence.
func (d *RealtimeDialer) FailNext(errs ...error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *RealtimeDialer) Dial(ctx context.Context, identity, token string) (resilientgateway.RealtimeConn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
	}
	conn := newRealtimeConn(identity)
	d.conns = append(d.conns, conn)
	d.mu.Unlock()

	d.connected <- conn
	return conn, nil
}

// Connected delivers every successfully dialled connection.
func (d *RealtimeDialer) Connected() <-chan *RealtimeConn { return d.connected }

// Dials counts Dial calls, successful or not.
func (d *RealtimeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Tokens returns the credential passed to each Dial.
func (d *RealtimeDialer) Tokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.tokens...)
}

// Last returns the most recent connection, or nil.
func (d *RealtimeDialer) Last() *RealtimeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// RealtimeConn is an in-memory RealtimeConn driven by the test.
type RealtimeConn struct {
	Identity string

	mu     sync.Mutex
	joined map[string]bool
	joins  []string
	leaves []string
	closed bool
	stall  chan struct{}
	parked int

	inbox    chan []byte
	dead     chan struct{}
	deadOnce sync.Once
}

func newRealtimeConn(identity string) *RealtimeConn {
	return &RealtimeConn{
		Identity: identity,
		joined:   make(map[string]bool),
		inbox:    make(chan []byte, 64),
		dead:     make(chan struct{}),
	}
}

func (c *RealtimeConn) Join(topic string) error {
	c.mu.Lock()
	gate := c.stall
	if gate != nil {
		c.parked++
	}
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-c.dead:
			return ErrDropped
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrDropped
	}
	c.joined[topic] = true
	c.joins = append(c.joins, topic)
	return nil
}

func (c *RealtimeConn) Leave(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.joined, topic)
	c.leaves = append(c.leaves, topic)
	return nil
}

func (c *RealtimeConn) ReadMessage() ([]byte, error) {
	select {
	case raw := <-c.inbox:
		return raw, nil
	case <-c.dead:
		return nil, ErrDropped
	}
}

func (c *RealtimeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.kill()
	return nil
}

// StallJoins parks every later Join, like a write stuck behind a slow peer,
// until release runs or the connection dies.
func (c *RealtimeConn) StallJoins() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.stall = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			c.stall = nil
			c.mu.Unlock()
			close(gate)
		})
	}
}

// Parked counts Joins that waited on StallJoins.
func (c *RealtimeConn) Parked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parked
}

// Push delivers a raw frame to the reader.
func (c *RealtimeConn) Push(raw string) {
	c.inbox <- []byte(raw)
}

// Drop simulates the transport dying under the reader.
func (c *RealtimeConn) Drop() { c.kill() }

func (c *RealtimeConn) kill() {
	c.deadOnce.Do(func() { close(c.dead) })
}

// Joined reports whether topic is currently joined.
func (c *RealtimeConn) Joined(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined[topic]
}

// Joins returns every Join in order.
func (c *RealtimeConn) Joins() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.joins...)
}

// Leaves returns every Leave in order.
func (c *RealtimeConn) Leaves() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.leaves...)
}

// Closed reports whether Close was called.
func (c *RealtimeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
