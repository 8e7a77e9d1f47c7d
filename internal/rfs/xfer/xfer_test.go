package xfer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/rfratto/rfs/internal/rfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func newTestClient(t *testing.T, o Options) (*Client, rfs.Endpoint) {
	t.Helper()

	ch, ep := rfs.Pipe()
	c, err := New(log.NewNopLogger(), ch, o)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, ep
}

// readMessages decodes every message received by ep into the returned
// channel.
func readMessages(ep rfs.Endpoint) <-chan *rfs.Message {
	msgs := make(chan *rfs.Message, 128)
	go func() {
		defer close(msgs)
		for {
			b, err := ep.Recv()
			if err != nil {
				return
			}
			var m rfs.Message
			if err := m.UnmarshalBinary(b); err != nil {
				continue
			}
			msgs <- &m
		}
	}()
	return msgs
}

func nextMessage(t *testing.T, msgs <-chan *rfs.Message) *rfs.Message {
	t.Helper()
	select {
	case m, ok := <-msgs:
		require.True(t, ok, "endpoint closed")
		return m
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for message")
		return nil
	}
}

// echo replies to req with its own payload.
func echo(ep rfs.Endpoint, req *rfs.Message) error {
	b, err := req.MarshalBinary()
	if err != nil {
		return err
	}
	return ep.Send(b)
}

func TestSendSync_Correlation(t *testing.T) {
	c, ep := newTestClient(t, DefaultOptions)
	msgs := readMessages(ep)

	// Reply to requests in batches, in reverse order of arrival.
	go func() {
		var batch []*rfs.Message
		for m := range msgs {
			batch = append(batch, m)
			if len(batch) < 8 {
				continue
			}
			for i := len(batch) - 1; i >= 0; i-- {
				_ = echo(ep, batch[i])
			}
			batch = batch[:0]
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			payload := []byte(fmt.Sprintf("request %d", i))
			reply, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat, Payload: payload})
			if assert.NoError(t, err) {
				assert.Equal(t, payload, reply.Payload)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, c.InUse())
}

func TestSendSync_BoundedByPool(t *testing.T) {
	c, ep := newTestClient(t, DefaultOptions)
	msgs := readMessages(ep)

	const total = 40
	results := make(chan error, total)
	for i := 0; i < total; i++ {
		go func(i int) {
			payload := []byte(fmt.Sprintf("request %d", i))
			reply, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdRead, Payload: payload})
			if err == nil && string(reply.Payload) != string(payload) {
				err = fmt.Errorf("request %d got reply %q", i, reply.Payload)
			}
			results <- err
		}(i)
	}

	// Hold every request that makes it out. Only a full pool's worth can be
	// in flight.
	var held []*rfs.Message
	for len(held) < DefaultOptions.Slots {
		held = append(held, nextMessage(t, msgs))
	}
	require.Equal(t, DefaultOptions.Slots, c.InUse())

	select {
	case m := <-msgs:
		require.FailNow(t, "request sent while pool was exhausted", "xfer %s", m.Xfer)
	case <-time.After(100 * time.Millisecond):
	}

	for _, m := range held {
		require.NoError(t, echo(ep, m))
	}
	for i := 0; i < total-DefaultOptions.Slots; i++ {
		require.NoError(t, echo(ep, nextMessage(t, msgs)))
	}

	for i := 0; i < total; i++ {
		require.NoError(t, <-results)
	}
	require.Equal(t, 0, c.InUse())
}

func TestSendSync_TimeoutDropsLateReply(t *testing.T) {
	c, ep := newTestClient(t, Options{Slots: 1, ReplyTimeout: 250 * time.Millisecond})
	msgs := readMessages(ep)

	_, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat, Payload: []byte("first")})
	require.ErrorIs(t, err, rfs.ErrorTimedOut)
	require.Equal(t, 0, c.InUse())
	first := nextMessage(t, msgs)

	type result struct {
		reply *rfs.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		reply, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat, Payload: []byte("second")})
		done <- result{reply, err}
	}()

	// The second request reuses the only slot under a new generation.
	second := nextMessage(t, msgs)
	require.Equal(t, first.Xfer.Index(), second.Xfer.Index())
	require.NotEqual(t, first.Xfer, second.Xfer)

	require.NoError(t, echo(ep, first))
	require.NoError(t, echo(ep, second))

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, "second", string(res.reply.Payload))
}

func TestSendSync_Exhausted(t *testing.T) {
	c, ep := newTestClient(t, Options{Slots: 1, AcquireTimeout: 50 * time.Millisecond})
	msgs := readMessages(ep)

	go func() {
		_, _ = c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat})
	}()
	_ = nextMessage(t, msgs)

	_, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat})
	require.ErrorIs(t, err, rfs.ErrorUnavailable)
	require.Equal(t, 1, c.InUse())
}

func TestSendSync_MismatchedCommandDropped(t *testing.T) {
	c, ep := newTestClient(t, Options{ReplyTimeout: 100 * time.Millisecond})
	msgs := readMessages(ep)

	go func() {
		req, ok := <-msgs
		if !ok {
			return
		}
		wrong := *req
		wrong.Command = rfs.CmdOpen
		_ = echo(ep, &wrong)
	}()

	_, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat})
	require.ErrorIs(t, err, rfs.ErrorTimedOut)
}

func TestSendAsync(t *testing.T) {
	c, ep := newTestClient(t, DefaultOptions)
	msgs := readMessages(ep)

	var (
		calls   atomic.Int32
		replies = make(chan *rfs.Message, 1)
	)
	err := c.SendAsync(context.Background(), &rfs.Message{Command: rfs.CmdRead, Payload: []byte("page")}, func(reply *rfs.Message, err error) {
		calls.Inc()
		assert.NoError(t, err)
		replies <- reply
	})
	require.NoError(t, err)

	req := nextMessage(t, msgs)
	require.NotZero(t, req.Xfer)
	require.NoError(t, echo(ep, req))
	// A duplicate reply must not invoke the callback again.
	require.NoError(t, echo(ep, req))

	reply := <-replies
	require.Equal(t, "page", string(reply.Payload))
	require.Eventually(t, func() bool { return c.InUse() == 0 }, time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, int32(1), calls.Load())
}

func TestSendAsync_Timeout(t *testing.T) {
	c, _ := newTestClient(t, Options{ReplyTimeout: 50 * time.Millisecond})

	errs := make(chan error, 2)
	err := c.SendAsync(context.Background(), &rfs.Message{Command: rfs.CmdWrite}, func(_ *rfs.Message, err error) {
		errs <- err
	})
	require.NoError(t, err)

	require.ErrorIs(t, <-errs, rfs.ErrorTimedOut)
	require.Equal(t, 0, c.InUse())
	select {
	case err := <-errs:
		require.FailNow(t, "callback invoked twice", "err %v", err)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNotify(t *testing.T) {
	c, ep := newTestClient(t, DefaultOptions)
	msgs := readMessages(ep)

	require.NoError(t, c.Notify(&rfs.Message{Command: rfs.CmdListExit}))
	m := nextMessage(t, msgs)
	require.Equal(t, rfs.CmdListExit, m.Command)
	require.Equal(t, rfs.XferID(0), m.Xfer)
	require.Equal(t, 0, c.InUse())
}

func TestHandle_Unsolicited(t *testing.T) {
	c, ep := newTestClient(t, DefaultOptions)

	got := make(chan *rfs.Message, 1)
	require.NoError(t, c.Handle(rfs.CmdUmount, func(m *rfs.Message) { got <- m }))

	// Malformed messages are dropped without disturbing later ones.
	require.NoError(t, ep.Send([]byte{1, 2, 3}))
	require.NoError(t, echo(ep, &rfs.Message{Command: rfs.CmdUmount, Payload: []byte("bye")}))

	select {
	case m := <-got:
		require.Equal(t, "bye", string(m.Payload))
	case <-time.After(5 * time.Second):
		require.FailNow(t, "unsolicited message never delivered")
	}
}

func TestClose_AbortsPending(t *testing.T) {
	c, ep := newTestClient(t, DefaultOptions)
	msgs := readMessages(ep)

	errs := make(chan error, 1)
	go func() {
		_, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat})
		errs <- err
	}()
	_ = nextMessage(t, msgs)

	require.NoError(t, c.Close())
	require.ErrorIs(t, <-errs, rfs.ErrorAborted)
	require.Equal(t, 0, c.InUse())

	_, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat})
	require.ErrorIs(t, err, rfs.ErrorAborted)
}

func TestHandle_UnknownCommand(t *testing.T) {
	c, _ := newTestClient(t, DefaultOptions)

	err := c.Handle(rfs.NumCommands, func(*rfs.Message) {})
	require.ErrorIs(t, err, rfs.ErrorInvalid)
	err = c.Handle(rfs.Command(255), func(*rfs.Message) {})
	require.ErrorIs(t, err, rfs.ErrorInvalid)
}

func TestReceiveStopped_FailsPending(t *testing.T) {
	o := DefaultOptions
	o.ReplyTimeout = time.Minute
	c, ep := newTestClient(t, o)
	msgs := readMessages(ep)

	syncErr := make(chan error, 1)
	go func() {
		_, err := c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat})
		syncErr <- err
	}()
	_ = nextMessage(t, msgs)

	asyncErr := make(chan error, 1)
	err := c.SendAsync(context.Background(), &rfs.Message{Command: rfs.CmdRead}, func(_ *rfs.Message, err error) {
		asyncErr <- err
	})
	require.NoError(t, err)
	_ = nextMessage(t, msgs)

	// The remote core goes away without answering either request.
	require.NoError(t, ep.Close())

	for _, errs := range []chan error{syncErr, asyncErr} {
		select {
		case err := <-errs:
			require.ErrorIs(t, err, rfs.ErrorIO)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "outstanding request wasn't failed when the receive path stopped")
		}
	}
	require.Equal(t, 0, c.InUse())

	_, err = c.SendSync(context.Background(), &rfs.Message{Command: rfs.CmdStat})
	require.ErrorIs(t, err, rfs.ErrorIO)
}
