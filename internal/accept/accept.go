// internal/accept/accept.go
// Package accept implements AcceptPipeline (C5): turns each inbound accept
// command into a ListenerContext, invokes the user accept predicate, and
// either opens the rendezvous socket (enqueued onto the InputQueue) or
// rejects the attempt with a status code sent over a short-lived socket to
// the rendezvous URL.
//
// Grounded on the reconnect/dial shape of the teacher's
// internal/agent/exporter/grpc_exporter.go and, for the rendezvous/rejection
// URL mechanics, on the other_examples relay clients (rcourtman-Pulse's
// relay client, Freitascorp-devopsclaw's pkg/relay) that dial a one-shot
// peer URL per accepted connection.
package accept

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Voskan/hycolink/internal/exchange"
	"github.com/Voskan/hycolink/internal/logging"
	"github.com/Voskan/hycolink/internal/metrics"
	"github.com/Voskan/hycolink/internal/queue"
	"github.com/Voskan/hycolink/internal/tracking"
	"github.com/Voskan/hycolink/internal/transport"
	"github.com/Voskan/hycolink/internal/wire"
	"github.com/Voskan/hycolink/pkg/address"
	hcotel "github.com/Voskan/hycolink/pkg/otel"
)

const defaultRendezvousTimeout = 30 * time.Second

// Predicate decides whether to accept a rendezvous attempt. A nil Predicate
// accepts everything. Predicate may panic; the pipeline recovers and treats
// a panic as rejection with 502 Bad Gateway (spec.md §4.5 step 5).
type Predicate func(ctx *exchange.Context) bool

// DialFunc matches transport.Dial's signature; overridable in tests.
type DialFunc func(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (transport.Socket, *http.Response, error)

// Channel is an AcceptedChannel (spec.md §3): a duplex byte stream from a
// completed rendezvous. Owned by the InputQueue until dequeued, thereafter
// owned by the consumer, who must Close it.
type Channel struct {
	sock     transport.Socket
	Tracking *tracking.Context
}

// Socket returns the underlying duplex transport for reading/writing the
// peer-to-peer stream.
func (c *Channel) Socket() transport.Socket { return c.sock }

// closeReasonNormal is the description attached to every listener-initiated
// normal closure of a rendezvous channel, matching the literal string
// spec.md §4.7 requires the control socket to use (internal/control.go).
const closeReasonNormal = "Client closing the socket normally"

// Close releases the channel's socket with a normal closure.
func (c *Channel) Close() error {
	return c.sock.Close(transport.CloseNormalClosure, closeReasonNormal)
}

// Config parameterises a Pipeline.
type Config struct {
	Address           address.Address
	Port              int // relay port; 0 defaults to 443, used to build Request.URL
	Predicate         Predicate
	Queue             *queue.Queue[*Channel]
	DialFunc          DialFunc
	RendezvousTimeout time.Duration
	Tracer            trace.Tracer
}

// Pipeline is the AcceptPipeline (C5).
type Pipeline struct {
	cfg    Config
	tracer trace.Tracer
}

// New constructs a Pipeline. cfg.Queue must be non-nil.
func New(cfg Config) *Pipeline {
	if cfg.RendezvousTimeout <= 0 {
		cfg.RendezvousTimeout = defaultRendezvousTimeout
	}
	if cfg.DialFunc == nil {
		cfg.DialFunc = transport.Dial
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("hycolink/accept")
	}
	return &Pipeline{cfg: cfg, tracer: cfg.Tracer}
}

// DispatchAccept implements control.AcceptDispatcher. It must not block the
// read pump, so the actual handling runs on its own goroutine.
func (p *Pipeline) DispatchAccept(cmd wire.AcceptCommand) {
	go p.handle(cmd)
}

func (p *Pipeline) handle(cmd wire.AcceptCommand) {
	tc := tracking.NewWithTrackingID(p.cfg.Address.String(), cmd.ID)

	ctx, span := hcotel.StartLinkedSpan(context.Background(), p.tracer, "accept.handle", trace.WithAttributes(
		attribute.String("tracking_id", tc.TrackingID()),
	))
	defer span.End()

	logicalPath, filteredQuery := logicalRequestURI(cmd.Address)

	headers := copyHeaders(cmd.ConnectHeaders)
	resp := exchange.NewResponse()
	negotiateSubProtocol(headers, resp)

	exCtx := &exchange.Context{
		Tracking: tc,
		Request: exchange.Request{
			Method:         http.MethodGet,
			Path:           logicalPath,
			Query:          filteredQuery,
			URL:            buildLogicalURL(p.cfg.Address, p.cfg.Port, logicalPath, filteredQuery),
			Headers:        headers,
			RemoteEndpoint: cmd.RemoteEndpoint,
		},
		Response: resp,
	}

	if p.invokePredicate(exCtx) {
		metrics.AcceptsTotal.Inc()
		p.openRendezvous(ctx, cmd, tc)
		return
	}
	metrics.RejectsTotal.Inc()
	p.reject(ctx, cmd, resp, tc)
}

// invokePredicate calls the user predicate, recovering from panics per
// spec.md §4.5 step 5.
func (p *Pipeline) invokePredicate(ctx *exchange.Context) (accept bool) {
	if p.cfg.Predicate == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			msg := ctx.Tracking.EnsureTrackable(fmt.Sprintf("accept predicate panicked: %v", r))
			ctx.Response.SetStatus(http.StatusBadGateway, msg)
			accept = false
		}
	}()
	return p.cfg.Predicate(ctx)
}

// openRendezvous dials the rendezvous URI verbatim and, on success,
// enqueues the resulting channel. It is not awaited by the caller of
// DispatchAccept, so a slow rendezvous open never head-of-line-blocks other
// commands.
func (p *Pipeline) openRendezvous(ctx context.Context, cmd wire.AcceptCommand, tc *tracking.Context) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.RendezvousTimeout)
	defer cancel()

	sock, _, err := p.cfg.DialFunc(dialCtx, cmd.Address, nil, p.cfg.RendezvousTimeout)
	if err != nil {
		logging.Logger().Warn("rendezvous dial failed", append(tc.Fields(), zap.Error(err))...)
		return
	}

	ch := &Channel{sock: sock, Tracking: tc}
	if !p.cfg.Queue.Enqueue(ch) {
		_ = ch.Close()
		return
	}
	metrics.QueueDepth.Set(float64(p.cfg.Queue.Len()))
}

// errGone is compared with errors.Is against the rejection dial error; a
// dial failing with it is not logged. Errors from closing the rejection
// socket are ignored entirely, so a "Gone" close from the server is never
// reported.
var errGone = errors.New("gone")

// reject appends statusCode/statusDescription to the rendezvous URI, dials
// it so the relay observes the rejection, then closes it.
func (p *Pipeline) reject(ctx context.Context, cmd wire.AcceptCommand, resp *exchange.Response, tc *tracking.Context) {
	code, desc, explicit := resp.Status()
	if !explicit {
		code = http.StatusBadRequest
		desc = "Rejected by user code"
	}

	u := appendRejectionParams(cmd.Address, code, desc)

	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.RendezvousTimeout)
	defer cancel()

	sock, _, err := p.cfg.DialFunc(dialCtx, u, nil, p.cfg.RendezvousTimeout)
	if err != nil {
		if !errors.Is(err, errGone) {
			logging.Logger().Debug("rejection ping dial failed", append(tc.Fields(), zap.Error(err))...)
		}
		return
	}
	_ = sock.Close(transport.CloseNormalClosure, closeReasonNormal)
}

func appendRejectionParams(rendezvousURL string, code int, description string) string {
	sep := "?"
	if strings.Contains(rendezvousURL, "?") {
		sep = "&"
	}
	return rendezvousURL + sep + "statusCode=" + strconv.Itoa(code) + "&statusDescription=" + url.QueryEscape(description)
}

// logicalRequestURI builds the logical request path (stripping a leading
// $hc/ from the rendezvous path) and the filtered query string, per
// spec.md §4.5 step 2.
func logicalRequestURI(rendezvousAddress string) (path, filteredQuery string) {
	u, err := url.Parse(rendezvousAddress)
	if err != nil {
		return "", ""
	}
	path = strings.TrimPrefix(u.Path, "/$hc/")
	path = strings.TrimPrefix(path, "$hc/")
	return path, address.FilterRelayParams(u.RawQuery)
}

// buildLogicalURL combines the listener address's https:// projection with
// the per-request logical path and filtered query into the full logical
// request URI a Predicate sees on exchange.Request.URL (spec.md §4.5 step 2).
func buildLogicalURL(addr address.Address, port int, path, query string) string {
	u := addr.HTTPSURL(port) + "/" + path
	if query != "" {
		u += "?" + query
	}
	return u
}

// negotiateSubProtocol copies the first client-offered Sec-WebSocket-Protocol
// token into the response headers, per spec.md §4.5 step 4.
func negotiateSubProtocol(headers map[string]string, resp *exchange.Response) {
	const key = "Sec-WebSocket-Protocol"
	raw, ok := headers[key]
	if !ok || raw == "" {
		return
	}
	first := strings.TrimSpace(strings.SplitN(raw, ",", 2)[0])
	if first != "" {
		resp.SetHeader(key, first)
	}
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
