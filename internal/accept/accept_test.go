package accept

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/Voskan/hycolink/internal/exchange"
	"github.com/Voskan/hycolink/internal/queue"
	"github.com/Voskan/hycolink/internal/transport"
	"github.com/Voskan/hycolink/internal/wire"
	"github.com/Voskan/hycolink/pkg/address"
)

type fakeAcceptSocket struct {
	closed      bool
	closeCode   int
	closeReason string
}

func (s *fakeAcceptSocket) ReadText(ctx context.Context) ([]byte, error)    { return nil, nil }
func (s *fakeAcceptSocket) WriteText(ctx context.Context, data []byte) error { return nil }
func (s *fakeAcceptSocket) WriteBinary(ctx context.Context, data []byte) error {
	return nil
}
func (s *fakeAcceptSocket) Close(code int, reason string) error {
	s.closed = true
	s.closeCode = code
	s.closeReason = reason
	return nil
}

func recordingDialer(dialedURLs *[]string, sock transport.Socket, err error) DialFunc {
	return func(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (transport.Socket, *http.Response, error) {
		*dialedURLs = append(*dialedURLs, rawURL)
		return sock, nil, err
	}
}

func TestHandle_AcceptedCommandEnqueuesChannel(t *testing.T) {
	var dialed []string
	sock := &fakeAcceptSocket{}
	q := queue.New[*Channel]()
	p := New(Config{
		Queue:    q,
		DialFunc: recordingDialer(&dialed, sock, nil),
	})

	cmd := wire.AcceptCommand{ID: "c1", Address: "wss://relay/rendezvous/c1"}
	p.handle(cmd)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ch, ok := q.Dequeue(ctx, 0)
	if !ok {
		t.Fatal("expected the accepted channel to be enqueued")
	}
	if ch.Socket() != sock {
		t.Fatal("expected the dequeued channel to wrap the dialed socket")
	}
	if len(dialed) != 1 || dialed[0] != cmd.Address {
		t.Fatalf("expected exactly one dial to the rendezvous address, got %v", dialed)
	}
}

func TestHandle_PopulatesRequestURLAndQueryFromRendezvousAddress(t *testing.T) {
	var dialed []string
	var seen exchange.Request
	sock := &fakeAcceptSocket{}
	q := queue.New[*Channel]()
	p := New(Config{
		Address: address.Address{Namespace: "ns", Path: "hc1"},
		Port:    8443,
		Queue:   q,
		Predicate: func(ctx *exchange.Context) bool {
			seen = ctx.Request
			return true
		},
		DialFunc: recordingDialer(&dialed, sock, nil),
	})

	cmd := wire.AcceptCommand{ID: "c5", Address: "wss://relay/$hc/my-service/sub?foo=bar&sb-hc-id=xyz"}
	p.handle(cmd)

	if seen.Path != "my-service/sub" {
		t.Fatalf("unexpected Request.Path: %q", seen.Path)
	}
	if !strings.Contains(seen.Query, "foo=bar") || strings.Contains(seen.Query, "sb-hc-id") {
		t.Fatalf("unexpected Request.Query: %q", seen.Query)
	}
	want := "https://ns:8443/my-service/sub?foo=bar"
	if seen.URL != want {
		t.Fatalf("got Request.URL %q, want %q", seen.URL, want)
	}
}

func TestHandle_PredicateRejectsAndPingsRendezvousWithStatus(t *testing.T) {
	var dialed []string
	sock := &fakeAcceptSocket{}
	q := queue.New[*Channel]()
	p := New(Config{
		Queue: q,
		Predicate: func(ctx *exchange.Context) bool {
			ctx.Response.SetStatus(http.StatusForbidden, "no thanks")
			return false
		},
		DialFunc: recordingDialer(&dialed, sock, nil),
	})

	cmd := wire.AcceptCommand{ID: "c2", Address: "wss://relay/rendezvous/c2"}
	p.handle(cmd)

	if len(dialed) != 1 {
		t.Fatalf("expected exactly one rejection ping dial, got %v", dialed)
	}
	if !strings.Contains(dialed[0], "statusCode=403") {
		t.Fatalf("expected the rejection URL to carry statusCode=403, got %q", dialed[0])
	}
	if !strings.Contains(dialed[0], "statusDescription=no+thanks") {
		t.Fatalf("expected the rejection URL to carry the description, got %q", dialed[0])
	}
	if !sock.closed {
		t.Fatal("expected the rejection ping socket to be closed after use")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, ok := q.Dequeue(ctx, 0); ok {
		t.Fatal("expected nothing enqueued on rejection")
	}
}

func TestHandle_PanickingPredicateRejectsWithBadGateway(t *testing.T) {
	var dialed []string
	sock := &fakeAcceptSocket{}
	q := queue.New[*Channel]()
	p := New(Config{
		Queue: q,
		Predicate: func(ctx *exchange.Context) bool {
			panic("boom")
		},
		DialFunc: recordingDialer(&dialed, sock, nil),
	})

	cmd := wire.AcceptCommand{ID: "c3", Address: "wss://relay/rendezvous/c3"}
	p.handle(cmd)

	if len(dialed) != 1 || !strings.Contains(dialed[0], "statusCode=502") {
		t.Fatalf("expected a 502 rejection ping after the predicate panics, got %v", dialed)
	}
}

func TestHandle_DefaultPredicateAcceptsEverything(t *testing.T) {
	var dialed []string
	sock := &fakeAcceptSocket{}
	q := queue.New[*Channel]()
	p := New(Config{Queue: q, DialFunc: recordingDialer(&dialed, sock, nil)})

	p.handle(wire.AcceptCommand{ID: "c4", Address: "wss://relay/rendezvous/c4"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := q.Dequeue(ctx, 0); !ok {
		t.Fatal("expected a nil Predicate to accept by default")
	}
}

func TestLogicalRequestURI_StripsHCPrefixAndFiltersRelayParams(t *testing.T) {
	path, query := logicalRequestURI("wss://relay/$hc/my-service/sub?foo=bar&sb-hc-id=xyz")
	if path != "my-service/sub" {
		t.Fatalf("unexpected path: %q", path)
	}
	if strings.Contains(query, "sb-hc-id") {
		t.Fatalf("expected relay-internal params filtered out, got %q", query)
	}
	if !strings.Contains(query, "foo=bar") {
		t.Fatalf("expected user query params preserved, got %q", query)
	}
}

func TestChannel_Close_UsesNormalClosureReason(t *testing.T) {
	sock := &fakeAcceptSocket{}
	ch := &Channel{sock: sock}

	if err := ch.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sock.closeCode != transport.CloseNormalClosure {
		t.Fatalf("expected close code %d, got %d", transport.CloseNormalClosure, sock.closeCode)
	}
	if sock.closeReason != "Client closing the socket normally" {
		t.Fatalf("expected the spec's literal close reason, got %q", sock.closeReason)
	}
}

func TestNegotiateSubProtocol_PicksFirstOfferedToken(t *testing.T) {
	headers := map[string]string{"Sec-WebSocket-Protocol": "v2.hc, v1.hc"}
	resp := exchange.NewResponse()
	negotiateSubProtocol(headers, resp)

	if got := resp.Headers()["Sec-WebSocket-Protocol"]; got != "v2.hc" {
		t.Fatalf("expected the first offered protocol to be chosen, got %q", got)
	}
}

func TestAppendRejectionParams_UsesCorrectSeparator(t *testing.T) {
	withoutQuery := appendRejectionParams("wss://relay/rendezvous/x", 404, "gone")
	if !strings.Contains(withoutQuery, "?statusCode=404") {
		t.Fatalf("expected ? separator when no query exists, got %q", withoutQuery)
	}

	withQuery := appendRejectionParams("wss://relay/rendezvous/x?a=1", 404, "gone")
	if !strings.Contains(withQuery, "&statusCode=404") {
		t.Fatalf("expected & separator when a query already exists, got %q", withQuery)
	}
}
