package stream

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/heidpi/internal/event"
	"github.com/gyaneshwarpardhi/heidpi/internal/frame"
)

const testDelay = 5 * time.Second

// instantClock records every requested wait and fires immediately.
type instantClock struct {
	clock.Clock
	mu    sync.Mutex
	waits []time.Duration
}

func newInstantClock() *instantClock {
	return &instantClock{Clock: clock.New()}
}

func (c *instantClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (c *instantClock) count(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waits {
		if w == d {
			n++
		}
	}
	return n
}

// scriptedDialer hands out one result per DialContext call.
type scriptedDialer struct {
	mu    sync.Mutex
	calls int
	dial  func(call int) (net.Conn, error)
}

func (d *scriptedDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	d.mu.Lock()
	d.calls++
	call := d.calls
	d.mu.Unlock()
	return d.dial(call)
}

type collector struct {
	mu   sync.Mutex
	recs []event.Record
}

func (c *collector) Dispatch(_ context.Context, rec event.Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.recs)
}

func testConf() Conf {
	return Conf{
		Addr:           "127.0.0.1:7000",
		HeaderWidth:    5,
		MaxFrameSize:   33792,
		ReconnectDelay: testDelay,
		ReadTimeout:    time.Second,
		WriteTimeout:   time.Second,
		IdlePause:      10 * time.Millisecond,
	}
}

func mustFrame(t *testing.T, payload string) []byte {
	t.Helper()
	b, err := frame.Encode([]byte(payload), 5)
	require.NoError(t, err)
	return b
}

func TestRun_EmptyAddress(t *testing.T) {
	m := New(Conf{}, &collector{}, zerolog.Nop())
	assert.ErrorIs(t, m.Run(context.Background()), ErrNoAddress)
}

func TestRun_ReconnectsAfterFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clk := newInstantClock()
	out := &collector{}
	var delaysBeforeConnect, dispatchedBeforeConnect int
	served := make(chan struct{})

	d := &scriptedDialer{}
	d.dial = func(call int) (net.Conn, error) {
		switch call {
		case 1, 2:
			return nil, errors.New("connection refused")
		case 3:
			delaysBeforeConnect = clk.count(testDelay)
			dispatchedBeforeConnect = out.len()
			client, server := net.Pipe()
			go func() {
				defer close(served)
				defer server.Close()
				_, _ = server.Write(mustFrame(t, `{"event_type":"daemon","seq":1}`))
				_, _ = server.Write(mustFrame(t, `{"event_type":"flow","seq":2}`))
			}()
			return client, nil
		default:
			cancel()
			return nil, context.Canceled
		}
	}

	m := New(testConf(), out, zerolog.Nop(), WithDialer(d), WithClock(clk))
	require.NoError(t, m.Run(ctx))
	<-served

	assert.Equal(t, 2, delaysBeforeConnect, "one fixed delay per failed attempt")
	assert.Zero(t, dispatchedBeforeConnect)
	assert.Equal(t, 4, d.calls)
	assert.Equal(t, 3, clk.count(testDelay), "connection loss waits before redialing too")
	assert.Equal(t, Disconnected, m.State())

	require.Len(t, out.recs, 2)
	assert.Equal(t, "daemon", out.recs[0]["event_type"])
	assert.Equal(t, "flow", out.recs[1]["event_type"])
}

func TestRun_SendsFilterAfterConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := testConf()
	conf.Filter = "flow_event_name == new"
	got := make(chan []byte, 1)

	d := &scriptedDialer{}
	d.dial = func(call int) (net.Conn, error) {
		if call > 1 {
			cancel()
			return nil, context.Canceled
		}
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			want := mustFrame(t, conf.Filter)
			buf := make([]byte, len(want))
			_, _ = io.ReadFull(server, buf)
			got <- buf
		}()
		return client, nil
	}

	m := New(conf, &collector{}, zerolog.Nop(), WithDialer(d), WithClock(newInstantClock()))
	require.NoError(t, m.Run(ctx))
	assert.Equal(t, "00023flow_event_name == new\n", string(<-got))
}

func TestRun_ReadTimeoutKeepsConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conf := testConf()
	conf.ReadTimeout = 20 * time.Millisecond
	clk := newInstantClock()
	out := &collector{}

	d := &scriptedDialer{}
	d.dial = func(call int) (net.Conn, error) {
		if call > 1 {
			cancel()
			return nil, context.Canceled
		}
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			time.Sleep(120 * time.Millisecond)
			_, _ = server.Write(mustFrame(t, `{"event_type":"packet"}`))
		}()
		return client, nil
	}

	m := New(conf, out, zerolog.Nop(), WithDialer(d), WithClock(clk))
	require.NoError(t, m.Run(ctx))

	assert.Equal(t, 2, d.calls, "idle reads must not reconnect")
	assert.Positive(t, clk.count(conf.IdlePause))
	require.Equal(t, 1, out.len())
	assert.Equal(t, "packet", out.recs[0]["event_type"])
}

func TestRun_CancelWhileConnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client, server := net.Pipe()
	defer server.Close()

	d := &scriptedDialer{dial: func(int) (net.Conn, error) { return client, nil }}
	m := New(testConf(), &collector{}, zerolog.Nop(), WithDialer(d), WithClock(newInstantClock()))

	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.State() == Connected }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, d.calls)
}

func TestRun_PartialFrameDiscardedOnReconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := &collector{}
	d := &scriptedDialer{}
	d.dial = func(call int) (net.Conn, error) {
		client, server := net.Pipe()
		go func() {
			defer server.Close()
			switch call {
			case 1:
				whole := mustFrame(t, `{"event_type":"flow","seq":1}`)
				_, _ = server.Write(whole[:len(whole)/2])
			case 2:
				_, _ = server.Write(mustFrame(t, `{"event_type":"flow","seq":2}`))
			default:
				cancel()
			}
		}()
		return client, nil
	}

	m := New(testConf(), out, zerolog.Nop(), WithDialer(d), WithClock(newInstantClock()))
	require.NoError(t, m.Run(ctx))

	require.Equal(t, 1, out.len(), "the half frame from the first session is not glued to the second")
	assert.Equal(t, "2", out.recs[0]["seq"].(interface{ String() string }).String())
}

func TestRun_FilterTooLongFailsBeforeDialing(t *testing.T) {
	conf := testConf()
	conf.Filter = strings.Repeat("x", 100000)
	d := &scriptedDialer{dial: func(int) (net.Conn, error) { return nil, errors.New("unexpected dial") }}

	m := New(conf, &collector{}, zerolog.Nop(), WithDialer(d), WithClock(newInstantClock()))
	err := m.Run(context.Background())
	assert.ErrorIs(t, err, ErrBadFilter)
	assert.Zero(t, d.calls)
	assert.Equal(t, Disconnected, m.State())
}

func TestConf_Validate(t *testing.T) {
	conf := testConf()
	assert.NoError(t, conf.Validate())

	conf.Filter = strings.Repeat("x", 99998)
	assert.NoError(t, conf.Validate(), "payload plus newline fills the header exactly")
	conf.Filter += "x"
	assert.ErrorIs(t, conf.Validate(), ErrBadFilter)

	assert.ErrorIs(t, Conf{HeaderWidth: 5}.Validate(), ErrNoAddress)
}

func TestConnect_Success(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	d := &scriptedDialer{dial: func(int) (net.Conn, error) { return client, nil }}
	m := New(testConf(), &collector{}, zerolog.Nop(), WithDialer(d))

	conn, err := m.connect(context.Background())
	require.NoError(t, err)
	assert.Same(t, client, conn)
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, 1, d.calls)
}

func TestConnect_Failure(t *testing.T) {
	d := &scriptedDialer{dial: func(int) (net.Conn, error) { return nil, errors.New("connection refused") }}
	m := New(testConf(), &collector{}, zerolog.Nop(), WithDialer(d))

	conn, err := m.connect(context.Background())
	assert.Nil(t, conn)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "127.0.0.1:7000")
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, Connecting, m.State())
}

func TestStream_DispatchesUntilPeerCloses(t *testing.T) {
	client, server := net.Pipe()
	go func() {
		defer server.Close()
		_, _ = server.Write(mustFrame(t, `{"event_type":"daemon","seq":1}`))
		_, _ = server.Write(mustFrame(t, `{"event_type":"flow","seq":2}`))
	}()
	out := &collector{}
	m := New(testConf(), out, zerolog.Nop(), WithClock(newInstantClock()))

	err := m.stream(context.Background(), client)
	assert.ErrorIs(t, err, ErrPeerClosed)
	require.Equal(t, 2, out.len())
	assert.Equal(t, "daemon", out.recs[0]["event_type"])
}

type failingDispatcher struct{}

func (failingDispatcher) Dispatch(context.Context, event.Record) error {
	return context.DeadlineExceeded
}

func TestStream_DispatchErrorEndsConnection(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() { _, _ = server.Write(mustFrame(t, `{"event_type":"flow"}`)) }()
	m := New(testConf(), failingDispatcher{}, zerolog.Nop(), WithClock(newInstantClock()))

	err := m.stream(context.Background(), client)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDrain_ClosesConnAndDropsPartialFrame(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	m := New(testConf(), &collector{}, zerolog.Nop())
	m.transition(Connected, "stream")

	whole := mustFrame(t, `{"event_type":"flow","seq":1}`)
	assert.Empty(t, m.dec.Append(whole[:10]))
	require.Equal(t, 10, m.dec.Pending())

	m.drain(client)
	assert.Equal(t, Draining, m.State())
	assert.Zero(t, m.dec.Pending())

	_, err := client.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestBackoff_WaitsReconnectDelay(t *testing.T) {
	clk := newInstantClock()
	m := New(testConf(), &collector{}, zerolog.Nop(), WithClock(clk))
	m.transition(Draining, "drain")

	assert.True(t, m.backoff(context.Background()))
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, 1, clk.count(testDelay))
}

func TestBackoff_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m := New(testConf(), &collector{}, zerolog.Nop(), WithClock(clock.NewMock()))

	assert.False(t, m.backoff(ctx))
	assert.Equal(t, Disconnected, m.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "draining", Draining.String())
	assert.Equal(t, "state(9)", State(9).String())
}
