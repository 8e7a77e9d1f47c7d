// Package xfer correlates rfs requests with their replies.
//
// A Client owns a fixed pool of transfer slots. Every request which expects
// a reply reserves a slot for as long as it is outstanding; the slot's index
// and generation are sent as the message's XferID and echoed back by the
// remote core. Replies are routed to their slot from the Channel's receive
// goroutine.
package xfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/jacobsa/syncutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rfratto/rfs/internal/rfs"
	"go.uber.org/atomic"
)

// Options configures a Client.
type Options struct {
	// Slots is the number of requests which may be outstanding at once.
	Slots int

	// AcquireTimeout is how long a request waits for a free slot before
	// failing with rfs.ErrorUnavailable.
	AcquireTimeout time.Duration

	// ReplyTimeout is how long a request waits for its reply before failing
	// with rfs.ErrorTimedOut.
	ReplyTimeout time.Duration

	// Registerer to register metrics with. May be nil.
	Registerer prometheus.Registerer
}

// DefaultOptions holds defaults for Client.
var DefaultOptions = Options{
	Slots:          32,
	AcquireTimeout: 5 * time.Second,
	ReplyTimeout:   15 * time.Second,
}

// Callback receives the reply to an asynchronous request. Exactly one of
// reply and err is non-nil.
type Callback func(reply *rfs.Message, err error)

// NotifyFunc handles an unsolicited message from the remote core.
type NotifyFunc func(msg *rfs.Message)

// Client sends requests over an rfs.Channel and routes replies back to their
// senders.
type Client struct {
	log     log.Logger
	o       Options
	ch      rfs.Channel
	metrics *metrics

	// tokens holds one element for every reserved slot. Sending into tokens
	// blocks while the pool is exhausted.
	tokens chan struct{}
	closed atomic.Bool
	done   chan struct{}

	// broken is set once the Channel stops receiving. Requests sent after
	// that can never see a reply.
	broken atomic.Error

	mu syncutil.InvariantMutex

	// INVARIANT: len(slots) == o.Slots
	// INVARIANT: For all slots, 0 <= refs <= 2
	// INVARIANT: For all slots, cb != nil implies refs > 0
	// INVARIANT: The number of slots with refs > 0 is <= len(tokens)
	slots []slot // GUARDED_BY(mu)

	notifyMut sync.RWMutex
	notify    [rfs.NumCommands]NotifyFunc
}

// slot is a single transfer slot. A reserved slot holds one reference for
// the receive path, which is dropped when the reply is delivered, and one
// more for a synchronous waiter.
type slot struct {
	refs int
	gen  uint32
	cmd  rfs.Command

	// cb is cleared by whichever of the reply, a timeout, or Close claims the
	// slot first.
	cb    Callback
	timer *time.Timer
}

// New creates a new Client which sends and receives on ch. The Client
// registers itself as the receiver of ch.
func New(l log.Logger, ch rfs.Channel, o Options) (*Client, error) {
	if ch == nil {
		return nil, fmt.Errorf("Channel must be set")
	}
	if o.Slots <= 0 {
		o.Slots = DefaultOptions.Slots
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = DefaultOptions.AcquireTimeout
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = DefaultOptions.ReplyTimeout
	}
	if l == nil {
		l = log.NewNopLogger()
	}

	c := &Client{
		log:     l,
		o:       o,
		ch:      ch,
		metrics: newMetrics(o.Registerer),
		tokens:  make(chan struct{}, o.Slots),
		done:    make(chan struct{}),
		slots:   make([]slot, o.Slots),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)

	ch.SetReceiver(c.receive, c.receiveStopped)
	return c, nil
}

func (c *Client) checkInvariants() {
	if len(c.slots) != c.o.Slots {
		panic(fmt.Sprintf("slot count changed: %d != %d", len(c.slots), c.o.Slots))
	}

	var inUse int
	for i := range c.slots {
		s := &c.slots[i]
		if s.refs < 0 || s.refs > 2 {
			panic(fmt.Sprintf("slot %d has %d references", i, s.refs))
		}
		if s.cb != nil && s.refs == 0 {
			panic(fmt.Sprintf("free slot %d has a callback", i))
		}
		if s.refs > 0 {
			inUse++
		}
	}
	if inUse > len(c.tokens) {
		panic(fmt.Sprintf("%d slots in use but only %d reserved", inUse, len(c.tokens)))
	}
}

// InUse returns the number of reserved slots.
func (c *Client) InUse() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for i := range c.slots {
		if c.slots[i].refs > 0 {
			n++
		}
	}
	return n
}

// acquire reserves a free slot for a request of type cmd, waiting up to
// AcquireTimeout for one to become available. Synchronous requests hold an
// extra reference for the waiter, taken before anything is sent so a reply
// can never free the slot before the waiter is ready for it. Asynchronous
// requests instead start a timer which fails the request if no reply
// arrives in time.
func (c *Client) acquire(ctx context.Context, cmd rfs.Command, cb Callback, waiter bool) (rfs.XferID, error) {
	if c.closed.Load() {
		return 0, rfs.ErrorAborted
	}
	if err := c.broken.Load(); err != nil {
		return 0, err
	}

	timer := time.NewTimer(c.o.AcquireTimeout)
	defer timer.Stop()

	select {
	case c.tokens <- struct{}{}:
	case <-timer.C:
		c.metrics.exhausted.Inc()
		return 0, fmt.Errorf("transfer slots exhausted after %s: %w", c.o.AcquireTimeout, rfs.ErrorUnavailable)
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.done:
		return 0, rfs.ErrorAborted
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed.Load() {
		<-c.tokens
		return 0, rfs.ErrorAborted
	}
	if err := c.broken.Load(); err != nil {
		<-c.tokens
		return 0, err
	}

	for i := range c.slots {
		s := &c.slots[i]
		if s.refs != 0 {
			continue
		}

		s.gen++
		s.cmd = cmd
		s.cb = cb
		s.refs = 1
		if waiter {
			s.refs++
		}

		id := rfs.MakeXferID(i, s.gen)
		if !waiter {
			s.timer = time.AfterFunc(c.o.ReplyTimeout, func() { c.expire(id) })
		}
		c.metrics.inUse.Inc()
		return id, nil
	}

	// Holding a token guarantees that a slot is free.
	panic("no free transfer slot after reserving one")
}

// lookup returns the slot for id if it is still waiting for a reply.
//
// LOCKS_REQUIRED(c.mu)
func (c *Client) lookup(id rfs.XferID) *slot {
	idx := id.Index()
	if idx < 0 || idx >= len(c.slots) {
		return nil
	}
	s := &c.slots[idx]
	if s.refs == 0 || s.gen != id.Generation() || s.cb == nil {
		return nil
	}
	return s
}

// claim takes the callback of s and drops the receive path's reference.
//
// LOCKS_REQUIRED(c.mu)
func (c *Client) claim(s *slot) Callback {
	cb := s.cb
	s.cb = nil
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	c.unref(s)
	return cb
}

// unref drops a reference to s. The slot is returned to the pool once its
// last reference is dropped.
//
// LOCKS_REQUIRED(c.mu)
func (c *Client) unref(s *slot) {
	s.refs--
	switch {
	case s.refs > 0:
		return
	case s.refs < 0:
		panic("transfer slot released twice")
	}

	s.cb = nil
	<-c.tokens
	c.metrics.inUse.Dec()
}

// abandon claims the slot for id when its reply hasn't arrived yet. Returns
// false if the slot was already claimed.
func (c *Client) abandon(id rfs.XferID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.lookup(id)
	if s == nil {
		return false
	}
	_ = c.claim(s)
	return true
}

// release drops the waiter's reference to the slot of id.
func (c *Client) release(id rfs.XferID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unref(&c.slots[id.Index()])
}

// expire fails an asynchronous request whose reply never arrived.
func (c *Client) expire(id rfs.XferID) {
	c.mu.Lock()
	var (
		cb  Callback
		cmd rfs.Command
	)
	if s := c.lookup(id); s != nil {
		cmd = s.cmd
		cb = c.claim(s)
	}
	c.mu.Unlock()

	if cb != nil {
		c.metrics.timeouts.Inc()
		cb(nil, fmt.Errorf("%s: no reply after %s: %w", cmd, c.o.ReplyTimeout, rfs.ErrorTimedOut))
	}
}

// SendSync sends req and waits for its reply. The reply is owned by the
// caller.
//
// SendSync fails with rfs.ErrorUnavailable if no slot frees up within
// AcquireTimeout, and with rfs.ErrorTimedOut if no reply arrives within
// ReplyTimeout. A reply which arrives after SendSync gives up is dropped.
func (c *Client) SendSync(ctx context.Context, req *rfs.Message) (*rfs.Message, error) {
	type result struct {
		reply *rfs.Message
		err   error
	}
	resCh := make(chan result, 1)

	id, err := c.acquire(ctx, req.Command, func(reply *rfs.Message, err error) {
		resCh <- result{reply: reply, err: err}
	}, true)
	if err != nil {
		return nil, err
	}
	defer c.release(id)

	c.metrics.requests.WithLabelValues(req.Command.String(), "sync").Inc()
	start := time.Now()
	defer func() {
		c.metrics.duration.WithLabelValues(req.Command.String()).Observe(time.Since(start).Seconds())
	}()

	if err := c.transmit(id, req); err != nil {
		if c.abandon(id) {
			return nil, err
		}
		// Close claimed the slot first and already delivered an error.
		res := <-resCh
		return res.reply, res.err
	}

	timer := time.NewTimer(c.o.ReplyTimeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		return res.reply, res.err
	case <-timer.C:
		if c.abandon(id) {
			c.metrics.timeouts.Inc()
			level.Warn(c.log).Log("msg", "request timed out", "cmd", req.Command, "xfer", id)
			return nil, fmt.Errorf("%s: no reply after %s: %w", req.Command, c.o.ReplyTimeout, rfs.ErrorTimedOut)
		}
	case <-ctx.Done():
		if c.abandon(id) {
			return nil, ctx.Err()
		}
	}

	// The reply won the race against giving up.
	res := <-resCh
	return res.reply, res.err
}

// SendAsync sends req and returns without waiting for the reply. cb is
// invoked from the receive path once the reply arrives, or with an error if
// the request times out or the Client closes.
//
// If SendAsync returns an error, cb is never invoked.
func (c *Client) SendAsync(ctx context.Context, req *rfs.Message, cb Callback) error {
	if cb == nil {
		return fmt.Errorf("callback must be set")
	}

	start := time.Now()
	id, err := c.acquire(ctx, req.Command, func(reply *rfs.Message, err error) {
		c.metrics.duration.WithLabelValues(req.Command.String()).Observe(time.Since(start).Seconds())
		cb(reply, err)
	}, false)
	if err != nil {
		return err
	}
	c.metrics.requests.WithLabelValues(req.Command.String(), "async").Inc()

	if err := c.transmit(id, req); err != nil && c.abandon(id) {
		return err
	}
	return nil
}

// Notify sends req without reserving a slot. The remote core must not reply
// to req.
func (c *Client) Notify(req *rfs.Message) error {
	if c.closed.Load() {
		return rfs.ErrorAborted
	}
	c.metrics.requests.WithLabelValues(req.Command.String(), "notify").Inc()
	return c.transmit(0, req)
}

func (c *Client) transmit(id rfs.XferID, req *rfs.Message) error {
	msg := *req
	msg.Xfer = id

	buf, err := msg.MarshalBinary()
	if err != nil {
		return err
	}
	if err := c.ch.Send(buf); err != nil {
		return fmt.Errorf("failed to send %s: %s: %w", req.Command, err, rfs.ErrorIO)
	}
	return nil
}

// Handle registers fn to receive unsolicited messages of type cmd. Passing a
// nil fn removes the handler.
func (c *Client) Handle(cmd rfs.Command, fn NotifyFunc) error {
	if int(cmd) >= len(c.notify) {
		return fmt.Errorf("no unsolicited messages for %s: %w", cmd, rfs.ErrorInvalid)
	}

	c.notifyMut.Lock()
	defer c.notifyMut.Unlock()
	c.notify[cmd] = fn
	return nil
}

// receive is invoked by the channel for every inbound message.
func (c *Client) receive(b []byte) {
	var msg rfs.Message
	if err := msg.UnmarshalBinary(b); err != nil {
		c.metrics.dropped.Inc()
		level.Warn(c.log).Log("msg", "dropping malformed message", "err", err)
		return
	}

	if msg.Xfer == 0 {
		c.dispatch(&msg)
		return
	}

	c.mu.Lock()
	var cb Callback
	if s := c.lookup(msg.Xfer); s != nil && s.cmd == msg.Command {
		cb = c.claim(s)
	}
	c.mu.Unlock()

	if cb == nil {
		c.metrics.dropped.Inc()
		level.Debug(c.log).Log("msg", "dropping reply which doesn't match an outstanding request", "cmd", msg.Command, "xfer", msg.Xfer)
		return
	}
	cb(&msg, nil)
}

func (c *Client) dispatch(msg *rfs.Message) {
	var fn NotifyFunc
	if int(msg.Command) < len(c.notify) {
		c.notifyMut.RLock()
		fn = c.notify[msg.Command]
		c.notifyMut.RUnlock()
	}
	if fn == nil {
		c.metrics.dropped.Inc()
		level.Warn(c.log).Log("msg", "dropping unsolicited message with no handler", "cmd", msg.Command)
		return
	}
	fn(msg)
}

// receiveStopped is invoked by the channel once it stops receiving. Every
// outstanding request fails with rfs.ErrorIO, since no reply can arrive
// anymore.
func (c *Client) receiveStopped(err error) {
	if c.closed.Load() {
		// Close fails outstanding requests itself.
		return
	}

	failure := fmt.Errorf("receive path stopped: %v: %w", err, rfs.ErrorIO)
	c.mu.Lock()
	c.broken.Store(failure)
	c.mu.Unlock()

	level.Error(c.log).Log("msg", "channel stopped receiving; failing outstanding requests", "err", err)
	c.failPending(failure)
}

// failPending claims every outstanding request and fails it with err.
func (c *Client) failPending(err error) {
	var pending []Callback
	c.mu.Lock()
	for i := range c.slots {
		if s := &c.slots[i]; s.cb != nil {
			pending = append(pending, c.claim(s))
		}
	}
	c.mu.Unlock()

	for _, cb := range pending {
		cb(nil, err)
	}
}

// Close fails every outstanding request with rfs.ErrorAborted and closes the
// underlying Channel.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	close(c.done)

	c.failPending(rfs.ErrorAborted)
	return c.ch.Close()
}
