// internal/httpbridge/httpbridge.go
// Package httpbridge implements HttpRequestBridge (C6): turns each inbound
// request command into a ListenerContext, delivers it to the user request
// handler, and sends the resulting response frame (optionally followed by a
// body) back through the control connection's write discipline.
//
// Streaming body transport is out of scope per spec.md §1/§4.6; Body here
// is therefore a single []byte rather than a chunked stream, which is
// sufficient for the request/response contract this package owns.
package httpbridge

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Voskan/hycolink/internal/exchange"
	"github.com/Voskan/hycolink/internal/logging"
	"github.com/Voskan/hycolink/internal/metrics"
	"github.com/Voskan/hycolink/internal/tracking"
	"github.com/Voskan/hycolink/internal/wire"
	"github.com/Voskan/hycolink/pkg/address"
)

// Sender is the subset of control.Connection the bridge needs: sending a
// response frame under the write lock. Kept as a narrow interface so this
// package never imports internal/control (the facade wires the two).
type Sender interface {
	SendCommandAndStream(ctx context.Context, frame []byte, body []byte) error
}

// Handler answers a relayed HTTP request. Implementations read ctx.Request
// and write ctx.Response; Body, if non-nil, is sent as a single binary
// frame following the response frame. A Handler may panic; the bridge
// recovers and replies 500 with the tracking id (spec.md §7).
type Handler func(ctx *exchange.Context) (body []byte)

// Config parameterises a Bridge.
type Config struct {
	Address address.Address
	Handler Handler
	Sender  Sender
}

// Bridge is the HttpRequestBridge (C6).
type Bridge struct {
	cfg Config
}

// New constructs a Bridge. A nil Handler answers every request with 501 Not
// Implemented.
func New(cfg Config) *Bridge {
	return &Bridge{cfg: cfg}
}

// DispatchRequest implements control.RequestDispatcher; handling runs on its
// own goroutine so the read pump is never blocked on the user handler or the
// outbound write.
func (b *Bridge) DispatchRequest(cmd wire.RequestCommand) {
	go b.handle(cmd)
}

func (b *Bridge) handle(cmd wire.RequestCommand) {
	metrics.RequestsTotal.Inc()
	tc := tracking.NewWithTrackingID(b.cfg.Address.String(), cmd.ID)

	resp := exchange.NewResponse()
	exCtx := &exchange.Context{
		Tracking: tc,
		Request: exchange.Request{
			Method:  cmd.Method,
			Path:    cmd.RequestTarget,
			Headers: copyHeaders(cmd.Headers),
			HasBody: cmd.Body,
		},
		Response: resp,
	}

	body := b.invokeHandler(exCtx)

	code, desc, explicit := resp.Status()
	if !explicit {
		code = http.StatusNotImplemented
		desc = "no request handler installed"
	}

	frame, err := wire.EncodeResponse(&wire.ResponseCommand{
		RequestID:         cmd.ID,
		StatusCode:        code,
		StatusDescription: desc,
		Headers:           resp.Headers(),
		Body:              body != nil,
	})
	if err != nil {
		logging.Logger().Error("encode response frame", append(tc.Fields(), zap.Error(err))...)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := b.cfg.Sender.SendCommandAndStream(ctx, frame, body); err != nil {
		logging.Logger().Warn("send response frame failed", append(tc.Fields(), zap.Error(err))...)
	}
}

// invokeHandler calls the user handler, recovering from panics and
// replying 500 with the tracking id per spec.md §7.
func (b *Bridge) invokeHandler(ctx *exchange.Context) (body []byte) {
	if b.cfg.Handler == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			msg := ctx.Tracking.EnsureTrackable(fmt.Sprintf("request handler panicked: %v", r))
			ctx.Response.SetStatus(http.StatusInternalServerError, msg)
			body = nil
		}
	}()
	return b.cfg.Handler(ctx)
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
