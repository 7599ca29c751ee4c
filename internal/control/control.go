// internal/control/control.go
// Package control implements ControlConnection (C4), the state machine that
// owns the single outbound duplex socket to the relay: {Idle → Connecting →
// Online → Reconnecting → Closed}. It runs the read pump, serializes
// writes, and drives the reconnect-backoff schedule in spec.md §4.4.
//
// The design is grounded on the teacher's
// internal/agent/exporter/grpc_exporter.go (persistent stream + reconnect
// with backoff) generalised from a gRPC stream to an arbitrary duplex
// socket, and on the fixed retry table called for by spec.md's testable
// property 5 (a jittered exponential policy like the teacher's would not
// satisfy "non-decreasing prefix of [0,1,2,5,10,30]s").
package control

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Voskan/hycolink/internal/logging"
	"github.com/Voskan/hycolink/internal/metrics"
	"github.com/Voskan/hycolink/internal/token"
	"github.com/Voskan/hycolink/internal/tracking"
	"github.com/Voskan/hycolink/internal/transport"
	"github.com/Voskan/hycolink/internal/util"
	"github.com/Voskan/hycolink/internal/wire"
	"github.com/Voskan/hycolink/pkg/address"
	hcotel "github.com/Voskan/hycolink/pkg/otel"
)

// Phase is one of the five states in the ControlConnection state machine.
// Represented as a single enum under one mutex per SPEC_FULL.md/spec.md §9
// design note, rather than the "two booleans" shape the original listener's
// source language admits no intermediate phase for.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOnline
	PhaseReconnecting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOnline:
		return "online"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sentinel errors per spec.md §7's error taxonomy.
var (
	ErrAlreadyOpen       = errors.New("control: already open")
	ErrClosed            = errors.New("control: connection closed")
	ErrEndpointNotFound  = errors.New("control: endpoint not found")
	ErrConnectTimeout    = errors.New("control: connect timeout")
)

// backoffTable is the fixed reconnect delay sequence from spec.md §4.4.
var backoffTable = []time.Duration{
	0,
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// AcceptDispatcher receives every inbound "accept" command. Implementations
// (the accept pipeline) must not block the read pump: they should launch
// their own goroutine and return immediately.
type AcceptDispatcher interface {
	DispatchAccept(cmd wire.AcceptCommand)
}

// RequestDispatcher receives every inbound "request" command, with the same
// non-blocking contract as AcceptDispatcher.
type RequestDispatcher interface {
	DispatchRequest(cmd wire.RequestCommand)
}

// TokenSource is the subset of token.Renewer the control connection needs.
type TokenSource interface {
	GetToken(ctx context.Context) (token.SecurityToken, error)
}

// Config parameterises a Connection.
type Config struct {
	Address        address.Address
	Port           int // relay port; 0 defaults to 443
	Renewer        TokenSource
	ConnectTimeout time.Duration // default 30s

	AcceptDispatcher  AcceptDispatcher
	RequestDispatcher RequestDispatcher

	// Callbacks, each invoked at most once per state edge (spec.md §4.4).
	OnOnline     func()
	OnOffline    func(err error)
	OnConnecting func(err error)

	Tracer trace.Tracer // defaults to otel.Tracer("hycolink/control")

	// dialFunc is overridable in tests to avoid a real network dial.
	dialFunc func(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (transport.Socket, *http.Response, error)
}

// Connection is the ControlConnection (C4).
type Connection struct {
	cfg      Config
	tracking *tracking.Context
	tracer   trace.Tracer

	mu             sync.Mutex
	phase          Phase
	socket         transport.Socket
	lastError      error
	backoffIndex   int
	closeRequested bool
	notifyCh       chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
	closeCh   chan struct{}
}

// New constructs a Connection bound to a TrackingContext. The connection
// starts Idle; call Open to dial the relay.
func New(cfg Config, tc *tracking.Context) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 30 * time.Second
	}
	if cfg.dialFunc == nil {
		cfg.dialFunc = transport.Dial
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("hycolink/control")
	}
	return &Connection{
		cfg:          cfg,
		tracking:     tc,
		tracer:       cfg.Tracer,
		backoffIndex: -1,
		notifyCh:     make(chan struct{}),
		closeCh:      make(chan struct{}),
	}
}

// Phase returns the current state machine phase.
func (c *Connection) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// IsOnline reports whether the connection is currently in the Online phase.
func (c *Connection) IsOnline() bool { return c.Phase() == PhaseOnline }

// LastError returns the most recently observed transport error, if any.
func (c *Connection) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// setPhase transitions the phase and wakes every waiter blocked in
// waitOnline. Must be called with c.mu held.
func (c *Connection) setPhase(p Phase) {
	c.phase = p
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
	metrics.SetPhase(phaseLabels, p.String())
}

var phaseLabels = []string{
	PhaseIdle.String(), PhaseConnecting.String(), PhaseOnline.String(),
	PhaseReconnecting.String(), PhaseClosed.String(),
}

// Open transitions Idle→Connecting, dials the relay and, on success,
// transitions to Online and starts the read pump. On failure it propagates
// the error to the caller and the connection is Closed (spec.md §4.4).
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.phase != PhaseIdle {
		c.mu.Unlock()
		return ErrAlreadyOpen
	}
	c.setPhase(PhaseConnecting)
	c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "control.Open", trace.WithAttributes(
		attribute.String("tracking_id", c.tracking.TrackingID()),
	))
	defer span.End()

	sock, err := c.connectOnce(ctx)
	if err != nil {
		span.RecordError(err)
		c.mu.Lock()
		c.lastError = err
		c.setPhase(PhaseClosed)
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closeRequested {
		c.setPhase(PhaseClosed)
		c.mu.Unlock()
		_ = sock.Close(transport.CloseNormalClosure, "Client closing the socket normally")
		return ErrClosed
	}
	c.socket = sock
	c.backoffIndex = -1
	c.setPhase(PhaseOnline)
	c.mu.Unlock()

	c.invokeOnline()
	go c.readPump()
	return nil
}

// connectOnce performs a single connect attempt: token fetch, URL build,
// dial with timeout. It never mutates phase; callers do that.
func (c *Connection) connectOnce(ctx context.Context) (transport.Socket, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.ConnectTimeout)
	defer cancel()

	tok, err := c.cfg.Renewer.GetToken(dialCtx)
	if err != nil {
		return nil, fmt.Errorf("control: fetch token: %w", err)
	}

	url := c.cfg.Address.ControlURL(c.tracking.BaseTrackingID(), c.cfg.Port)
	header := http.Header{}
	header.Set("ServiceBusAuthorization", tok.Token)

	sock, resp, err := c.cfg.dialFunc(dialCtx, url, header, c.cfg.ConnectTimeout)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, c.cfg.Address.String())
		}
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrConnectTimeout, err)
		}
		return nil, err
	}
	return sock, nil
}

// readPump perpetually reads text frames and dispatches them, per spec.md
// §4.4. It exits either into Closed (graceful close or terminal error) or
// by handing off to reconnectLoop, which starts a fresh readPump once a new
// socket is Online.
func (c *Connection) readPump() {
	for {
		c.mu.Lock()
		sock := c.socket
		c.mu.Unlock()
		if sock == nil {
			return
		}

		data, err := sock.ReadText(context.Background())
		if err != nil {
			c.handleReadError(err)
			return
		}

		frame, perr := wire.Parse(data)
		if perr != nil {
			logging.Logger().Warn("invalid command frame received, ignoring", zap.Error(perr))
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(frame wire.Frame) {
	switch {
	case frame.Accept != nil:
		if c.cfg.AcceptDispatcher != nil {
			c.cfg.AcceptDispatcher.DispatchAccept(*frame.Accept)
		}
	case frame.Request != nil:
		if c.cfg.RequestDispatcher != nil {
			c.cfg.RequestDispatcher.DispatchRequest(*frame.Request)
		}
	default:
		logging.Logger().Warn("frame carries an outbound-only or unknown variant, ignoring")
	}
}

func (c *Connection) handleReadError(err error) {
	c.mu.Lock()
	closeRequested := c.closeRequested
	c.mu.Unlock()

	if closeRequested {
		c.mu.Lock()
		c.setPhase(PhaseClosed)
		c.mu.Unlock()
		c.invokeOffline(nil)
		return
	}

	connErr := fmt.Errorf("control: connection lost: %w", err)
	c.mu.Lock()
	c.lastError = connErr
	c.mu.Unlock()

	shouldReconnect := !errors.Is(err, ErrEndpointNotFound)
	c.invokeConnecting(connErr)

	if !shouldReconnect {
		c.mu.Lock()
		c.setPhase(PhaseClosed)
		c.mu.Unlock()
		c.invokeOffline(connErr)
		return
	}

	c.reconnectLoop()
}

// reconnectLoop drives Reconnecting→Online (or →Closed on a terminal
// error/close). Successive delays follow backoffTable, never decreasing
// until a successful connect resets backoffIndex to -1.
func (c *Connection) reconnectLoop() {
	c.mu.Lock()
	c.setPhase(PhaseReconnecting)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if c.closeRequested {
			c.setPhase(PhaseClosed)
			c.mu.Unlock()
			c.invokeOffline(nil)
			return
		}
		idx := c.backoffIndex + 1
		if idx >= len(backoffTable) {
			idx = len(backoffTable) - 1
		}
		c.backoffIndex = idx
		delay := backoffTable[idx]
		c.mu.Unlock()

		select {
		case <-time.After(delay):
		case <-c.closeCh:
			c.mu.Lock()
			c.setPhase(PhaseClosed)
			c.mu.Unlock()
			c.invokeOffline(nil)
			return
		}

		attemptID := util.MustNew()
		ctx, span := hcotel.StartLinkedSpan(context.Background(), c.tracer, "control.reconnectAttempt", trace.WithAttributes(
			attribute.String("tracking_id", c.tracking.TrackingID()),
			attribute.String("attempt_id", attemptID),
		))
		sock, err := c.connectOnce(ctx)
		span.End()

		if err != nil {
			logging.Logger().Debug("reconnect attempt failed",
				zap.String("attempt_id", attemptID), zap.Error(err))
			if errors.Is(err, ErrEndpointNotFound) {
				c.mu.Lock()
				c.lastError = err
				c.setPhase(PhaseClosed)
				c.mu.Unlock()
				c.invokeOffline(err)
				return
			}
			continue
		}

		c.mu.Lock()
		c.socket = sock
		c.backoffIndex = -1
		c.setPhase(PhaseOnline)
		c.mu.Unlock()

		metrics.ReconnectsTotal.Inc()
		c.invokeOnline()
		go c.readPump()
		return
	}
}

func (c *Connection) invokeOnline() {
	if c.cfg.OnOnline != nil {
		c.cfg.OnOnline()
	}
}

func (c *Connection) invokeOffline(err error) {
	if c.cfg.OnOffline != nil {
		c.cfg.OnOffline(err)
	}
}

func (c *Connection) invokeConnecting(err error) {
	if c.cfg.OnConnecting != nil {
		c.cfg.OnConnecting(err)
	}
}

// waitOnline blocks until the connection is Online, ctx is done, or the
// connection is Closed (returned as ErrClosed).
func (c *Connection) waitOnline(ctx context.Context) error {
	for {
		c.mu.Lock()
		phase := c.phase
		notify := c.notifyCh
		c.mu.Unlock()

		switch phase {
		case PhaseOnline:
			return nil
		case PhaseClosed:
			return ErrClosed
		}

		select {
		case <-notify:
			continue
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// SendCommandAndStream implements spec.md §4.4's send-with-stream: ensure
// Online, acquire the write lock, write the JSON text frame, optionally
// follow with a binary body, release the lock. The write lock guarantees a
// response frame and its trailing binary body are never interleaved with
// another writer's frames.
func (c *Connection) SendCommandAndStream(ctx context.Context, frame []byte, body []byte) error {
	if err := c.waitOnline(ctx); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	sock := c.socket
	c.mu.Unlock()
	if sock == nil {
		return ErrClosed
	}

	if err := sock.WriteText(ctx, frame); err != nil {
		return err
	}
	if body != nil {
		if err := sock.WriteBinary(ctx, body); err != nil {
			return err
		}
	}
	return nil
}

// OnTokenRenewed composes a renewToken frame and sends it under the write
// discipline; errors are logged and swallowed per spec.md §4.4 (the
// renewer will retry on its own schedule).
func (c *Connection) OnTokenRenewed(tok token.SecurityToken) {
	data, err := wire.EncodeRenewToken(&wire.RenewTokenCommand{Token: tok.Token})
	if err != nil {
		logging.Logger().Error("encode renewToken frame", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.SendCommandAndStream(ctx, data, nil); err != nil {
		logging.Logger().Warn("send renewToken frame failed, renewer will retry", zap.Error(err))
	}
}

// Close requests a graceful shutdown. It is idempotent: calling it twice
// yields no new errors. Any read pump or reconnect-backoff wait currently
// in flight observes the request and transitions to Closed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closeRequested {
		c.mu.Unlock()
		return nil
	}
	c.closeRequested = true
	sock := c.socket
	phase := c.phase
	c.mu.Unlock()

	c.closeOnce.Do(func() { close(c.closeCh) })

	if sock != nil {
		_ = sock.Close(transport.CloseNormalClosure, "Client closing the socket normally")
	}

	if phase == PhaseIdle {
		c.mu.Lock()
		c.setPhase(PhaseClosed)
		c.mu.Unlock()
	}
	return nil
}
