// Package stream owns the TCP connection to the nDPIsrvd distributor. It
// keeps reconnecting with a fixed delay, feeds received bytes through a
// frame decoder and hands every decoded record to a Dispatcher.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/heidpi/internal/event"
	"github.com/gyaneshwarpardhi/heidpi/internal/frame"
	"github.com/gyaneshwarpardhi/heidpi/internal/metrics"
)

var (
	// ErrNoAddress is returned by Run when no distributor address is set.
	ErrNoAddress = errors.New("stream: distributor address is empty")
	// ErrPeerClosed reports an orderly close by the distributor.
	ErrPeerClosed = errors.New("stream: connection closed by peer")
	// ErrBadFilter is returned when the filter cannot be framed.
	ErrBadFilter = errors.New("stream: filter cannot be framed")
)

const (
	readBufferSize = 8192
	dialTimeout    = 15 * time.Second
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Draining
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Draining:
		return "draining"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Dialer opens the distributor connection. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Dispatcher receives decoded records. Dispatch may block to apply
// backpressure; while it does, no further bytes are read.
type Dispatcher interface {
	Dispatch(ctx context.Context, rec event.Record) error
}

// Conf holds the connection settings.
type Conf struct {
	Addr           string
	Filter         string // sent once, framed, after every connect
	HeaderWidth    int
	MaxFrameSize   int
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdlePause      time.Duration
}

// Validate reports settings that would make every connection attempt fail.
func (c Conf) Validate() error {
	if c.Addr == "" {
		return ErrNoAddress
	}
	if c.Filter != "" {
		if _, err := frame.Encode([]byte(c.Filter), c.HeaderWidth); err != nil {
			return fmt.Errorf("%w: %v", ErrBadFilter, err)
		}
	}
	return nil
}

// Option customises a Manager.
type Option func(*Manager)

// WithDialer replaces the default TCP dialer.
func WithDialer(d Dialer) Option {
	return func(m *Manager) { m.dialer = d }
}

// WithClock replaces the wall clock used for reconnect delays and idle pauses.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager runs the connect / stream / drain / backoff loop. Each edge of the
// state machine is a method that owns its state change.
type Manager struct {
	conf   Conf
	out    Dispatcher
	dialer Dialer
	clock  clock.Clock
	dec    *frame.Decoder
	log    zerolog.Logger
	state  atomic.Int32
}

// New returns a Manager in the Disconnected state.
func New(conf Conf, out Dispatcher, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		conf:   conf,
		out:    out,
		dialer: &net.Dialer{Timeout: dialTimeout},
		clock:  clock.New(),
		log:    log.With().Str("component", "stream").Str("addr", conf.Addr).Logger(),
	}
	m.dec = frame.NewDecoder(conf.HeaderWidth, conf.MaxFrameSize, m.log)
	for _, o := range opts {
		o(m)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) transition(to State, edge string) {
	from := State(m.state.Swap(int32(to)))
	metrics.ConnectionState.Set(float64(to))
	m.log.Debug().Stringer("from", from).Stringer("to", to).Str("edge", edge).Msg("state change")
}

// Run connects and streams until ctx is cancelled, reconnecting after every
// failure. It returns nil on cancellation and an error only for settings no
// retry can fix.
func (m *Manager) Run(ctx context.Context) error {
	if err := m.conf.Validate(); err != nil {
		return err
	}
	defer m.transition(Disconnected, "stop")

	for {
		conn, err := m.connect(ctx)
		if err == nil {
			err = m.stream(ctx, conn)
			m.drain(conn)
		}
		if ctx.Err() != nil {
			return nil
		}
		m.log.Warn().Err(err).Dur("retry_in", m.conf.ReconnectDelay).Msg("connection attempt ended")
		if !m.backoff(ctx) {
			return nil
		}
	}
}

// connect dials the distributor: Disconnected -> Connecting, and on success
// Connecting -> Connected. A failed dial leaves the manager Connecting.
func (m *Manager) connect(ctx context.Context) (net.Conn, error) {
	m.transition(Connecting, "connect")
	conn, err := m.dialer.DialContext(ctx, "tcp", m.conf.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", m.conf.Addr, err)
	}
	m.transition(Connected, "stream")
	return conn, nil
}

// drain ends a connection: Connected -> Draining. The socket is closed and a
// partial frame left in the decoder is discarded; the distributor has no
// resume offset.
func (m *Manager) drain(conn net.Conn) {
	m.transition(Draining, "drain")
	_ = conn.Close()
	if n := m.dec.Pending(); n > 0 {
		m.log.Warn().Int("bytes", n).Msg("discarding partial frame")
	}
	m.dec.Reset()
}

// backoff waits the fixed reconnect delay: -> Disconnected. It reports false
// if ctx ended first.
func (m *Manager) backoff(ctx context.Context) bool {
	m.transition(Disconnected, "backoff")
	metrics.Reconnects.Inc()
	return m.sleep(ctx, m.conf.ReconnectDelay)
}

// sleep waits for d on the manager clock. It reports false if ctx ended first.
func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.clock.After(d):
		return true
	}
}

// stream reads one connection until it fails or ctx ends, handing decoded
// records to the dispatcher.
func (m *Manager) stream(ctx context.Context, conn net.Conn) error {
	log := m.log.With().Str("session", uuid.NewString()).Logger()
	log.Info().Str("remote", conn.RemoteAddr().String()).Msg("connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	if m.conf.Filter != "" {
		if err := m.sendFilter(conn); err != nil {
			return err
		}
		log.Info().Str("filter", m.conf.Filter).Msg("filter sent")
	}

	buf := make([]byte, readBufferSize)
	for {
		if m.conf.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(m.conf.ReadTimeout))
		}
		n, err := conn.Read(buf)
		if n > 0 {
			metrics.BytesRead.Add(float64(n))
			for _, rec := range m.dec.Append(buf[:n]) {
				if derr := m.out.Dispatch(ctx, rec); derr != nil {
					return fmt.Errorf("dispatch: %w", derr)
				}
			}
		}
		if err == nil {
			continue
		}

		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() && ctx.Err() == nil {
			log.Debug().Dur("timeout", m.conf.ReadTimeout).Msg("read idle")
			if !m.sleep(ctx, m.conf.IdlePause) {
				return ctx.Err()
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return ErrPeerClosed
		}
		return fmt.Errorf("read: %w", err)
	}
}

func (m *Manager) sendFilter(conn net.Conn) error {
	msg, err := frame.Encode([]byte(m.conf.Filter), m.conf.HeaderWidth)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadFilter, err)
	}
	if m.conf.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(m.conf.WriteTimeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("send filter: %w", err)
	}
	return nil
}
