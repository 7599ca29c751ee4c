// listener.go
// Package hycolink is a client-side listener for a cloud hybrid-connection
// relay: it maintains a persistent outbound control channel to the relay,
// and for each inbound accept/request command either completes a
// peer-to-peer rendezvous stream, rejects the attempt, or answers a
// relayed HTTP request. See spec.md for the full contract and SPEC_FULL.md
// for how this module expands on it.
//
// Listener (C7) is the public facade gluing together the token renewer
// (C2), the InputQueue (C3), the control connection (C4), the accept
// pipeline (C5) and the HTTP request bridge (C6).
package hycolink

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Voskan/hycolink/internal/accept"
	"github.com/Voskan/hycolink/internal/control"
	"github.com/Voskan/hycolink/internal/exchange"
	"github.com/Voskan/hycolink/internal/httpbridge"
	"github.com/Voskan/hycolink/internal/metrics"
	"github.com/Voskan/hycolink/internal/queue"
	"github.com/Voskan/hycolink/internal/token"
	"github.com/Voskan/hycolink/internal/tracking"
	"github.com/Voskan/hycolink/internal/transport"
	"github.com/Voskan/hycolink/pkg/address"
)

// Public re-exports of the shared per-exchange data model (spec.md §3), so
// callers never need to import the internal packages directly.
type (
	// ListenerContext is the per-incoming-exchange object handed to an
	// AcceptPredicate or RequestHandler.
	ListenerContext = exchange.Context
	// Request is the immutable half of a ListenerContext.
	Request = exchange.Request
	// Response is the user-writable half of a ListenerContext.
	Response = exchange.Response
	// AcceptedChannel is a completed rendezvous duplex stream, owned by the
	// InputQueue until dequeued via AcceptConnection.
	AcceptedChannel = accept.Channel
)

// AcceptPredicate decides whether to accept a rendezvous attempt.
type AcceptPredicate = accept.Predicate

// RequestHandler answers a relayed HTTP request.
type RequestHandler = httpbridge.Handler

// Errors surfaced directly to callers per spec.md §7.
var (
	ErrNullAddress  = errors.New("hycolink: address must not be empty")
	ErrNullProvider = errors.New("hycolink: token provider must not be nil")
	ErrAlreadyOpen  = errors.New("hycolink: listener already open")
	ErrNotOpen      = errors.New("hycolink: acceptConnection called before open")
)

// Options configures a new Listener.
type Options struct {
	// Address is the sb://<namespace>/<path>[?query] listener address.
	Address string
	// Port is the relay port; 0 defaults to 443.
	Port int
	// TokenProvider mints bearer tokens for the control channel handshake.
	// See pkg/sas for a usable default backed by a shared access key.
	TokenProvider token.Provider

	ConnectTimeout    time.Duration
	RendezvousTimeout time.Duration

	AcceptPredicate AcceptPredicate
	RequestHandler  RequestHandler

	OnOnline     func()
	OnOffline    func(err error)
	OnConnecting func(err error)
}

// Listener is the Listener facade (C7).
type Listener struct {
	addr     address.Address
	tracking *tracking.Context

	queue   *queue.Queue[*accept.Channel]
	renewer *token.Renewer
	control *control.Connection

	mu          sync.Mutex
	openCalled  bool
	closeCalled bool
}

// connSender forwards SendCommandAndStream to a *control.Connection that is
// constructed after the httpbridge.Bridge that needs it, breaking the
// construction cycle between C4 and C6 without either owning the other.
type connSender struct{ get func() *control.Connection }

func (s connSender) SendCommandAndStream(ctx context.Context, frame, body []byte) error {
	return s.get().SendCommandAndStream(ctx, frame, body)
}

// New constructs a Listener bound to opts.Address. It does not dial the
// relay; call Open for that.
func New(opts Options) (*Listener, error) {
	if opts.Address == "" {
		return nil, ErrNullAddress
	}
	if opts.TokenProvider == nil {
		return nil, ErrNullProvider
	}

	addr, err := address.Parse(opts.Address)
	if err != nil {
		return nil, err
	}

	metrics.Register()

	tc := tracking.New(addr.String())
	q := queue.New[*accept.Channel]()

	var conn *control.Connection
	renewer := token.NewRenewer(opts.TokenProvider, token.WithOnRenewed(func(t token.SecurityToken) {
		if conn != nil {
			conn.OnTokenRenewed(t)
		}
	}))

	acceptPipeline := accept.New(accept.Config{
		Address:           addr,
		Port:              opts.Port,
		Predicate:         opts.AcceptPredicate,
		Queue:             q,
		RendezvousTimeout: opts.RendezvousTimeout,
	})

	bridge := httpbridge.New(httpbridge.Config{
		Address: addr,
		Handler: opts.RequestHandler,
		Sender:  connSender{get: func() *control.Connection { return conn }},
	})

	conn = control.New(control.Config{
		Address:           addr,
		Port:              opts.Port,
		Renewer:           renewer,
		ConnectTimeout:    opts.ConnectTimeout,
		AcceptDispatcher:  acceptPipeline,
		RequestDispatcher: bridge,
		OnOnline:          opts.OnOnline,
		OnOffline:         opts.OnOffline,
		OnConnecting:      opts.OnConnecting,
	}, tc)

	return &Listener{
		addr:     addr,
		tracking: tc,
		queue:    q,
		renewer:  renewer,
		control:  conn,
	}, nil
}

// Open dials the relay and starts the control channel. It is one-shot:
// calling it a second time returns ErrAlreadyOpen without changing state.
func (l *Listener) Open(ctx context.Context) error {
	l.mu.Lock()
	if l.openCalled {
		l.mu.Unlock()
		return ErrAlreadyOpen
	}
	l.openCalled = true
	l.mu.Unlock()

	return l.control.Open(ctx)
}

// AcceptConnection dequeues the next completed rendezvous channel. Channels
// are dequeued in the order their rendezvous dials completed, which is not
// necessarily the order their accept commands were received, since each
// accept is handled on its own goroutine. timeout <= 0 waits indefinitely
// (bounded only by ctx). A nil channel with a nil error means "none": the
// listener was closed, or the wait timed out.
func (l *Listener) AcceptConnection(ctx context.Context, timeout time.Duration) (*AcceptedChannel, error) {
	l.mu.Lock()
	opened := l.openCalled
	l.mu.Unlock()
	if !opened {
		return nil, ErrNotOpen
	}

	ch, ok := l.queue.Dequeue(ctx, timeout)
	metrics.QueueDepth.Set(float64(l.queue.Len()))
	if !ok {
		return nil, nil
	}
	return ch, nil
}

// Close shuts down the InputQueue (waking every pending AcceptConnection
// with "none"), closes every un-dequeued rendezvous channel with a normal
// closure, stops the token renewer, and closes the control connection.
// Idempotent: a second call returns nil without side effects.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closeCalled {
		l.mu.Unlock()
		return nil
	}
	l.closeCalled = true
	l.mu.Unlock()

	l.queue.Shutdown()
	queue.Dispose[*accept.Channel](l.queue)
	l.renewer.Close()
	return l.control.Close()
}

// IsOnline reports whether the control connection is currently Online.
func (l *Listener) IsOnline() bool { return l.control.IsOnline() }

// Status is a point-in-time snapshot of listener health, a supplemental
// feature per SPEC_FULL.md §3 (not named in the distilled spec, added
// because every relay-client example in the retrieval pack exposes one).
type Status struct {
	Connected  bool
	Phase      string
	LastError  string
	QueueDepth int
}

// Status returns a snapshot suitable for health checks, e.g. a readiness
// probe handler registered alongside the CLI's Prometheus endpoint.
func (l *Listener) Status() Status {
	phase := l.control.Phase()
	var lastErr string
	if err := l.control.LastError(); err != nil {
		lastErr = err.Error()
	}
	return Status{
		Connected:  phase == control.PhaseOnline,
		Phase:      phase.String(),
		LastError:  lastErr,
		QueueDepth: l.queue.Len(),
	}
}

// Socket re-exports transport.Socket so callers type-asserting on an
// AcceptedChannel's underlying stream don't need the internal package.
type Socket = transport.Socket
