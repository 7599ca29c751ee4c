// cmd/hycolink/attach.go
// Implements the `hycolink attach` command: opens a Listener against a
// relay connection string, forwards relayed HTTP requests to a local
// backend, and logs every accepted rendezvous channel (per-channel framing
// is the caller's concern, so attach just drains and closes them — see
// spec.md's "per-accepted-channel user framing" non-goal).
package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Voskan/hycolink/internal/logging"
	"github.com/Voskan/hycolink/pkg/connstring"
	"github.com/Voskan/hycolink/pkg/sas"

	"github.com/Voskan/hycolink"
)

func newAttachCmd() *cobra.Command {
	var (
		connStr     string
		forwardTo   string
		metricsAddr string
		tokenTTL    time.Duration
		duration    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach to a relay using a connection string and start listening",
		RunE: func(cmd *cobra.Command, args []string) error {
			cs, err := connstring.Parse(connStr)
			if err != nil {
				return fmt.Errorf("parse connection string: %w", err)
			}

			provider := sas.NewProvider(cs.SharedAccessKeyName, []byte(cs.SharedAccessKey), cs.Address(), tokenTTL)

			client := &http.Client{Timeout: 30 * time.Second}
			var handler hycolink.RequestHandler
			if forwardTo != "" {
				handler = func(ctx *hycolink.ListenerContext) []byte {
					return forwardHTTP(client, forwardTo, ctx)
				}
			}

			l, err := hycolink.New(hycolink.Options{
				Address:       cs.Address(),
				TokenProvider: provider,
				RequestHandler: handler,
				OnOnline: func() { logging.Sugar().Info("listener online") },
				OnOffline: func(err error) {
					logging.Sugar().Infow("listener offline", "err", err)
				},
				OnConnecting: func(err error) {
					logging.Sugar().Infow("listener reconnecting", "err", err)
				},
			})
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			if duration > 0 {
				ctx, cancel = context.WithTimeout(ctx, duration)
			}
			defer cancel()

			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}

			if err := l.Open(ctx); err != nil {
				return fmt.Errorf("open listener: %w", err)
			}
			logging.Sugar().Infow("attached", "address", cs.Address())

			go drainAccepted(ctx, l)

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt)
			select {
			case <-ctx.Done():
				logging.Sugar().Info("duration elapsed, closing")
			case <-sigCh:
				logging.Sugar().Info("received interrupt, closing")
			}

			return l.Close()
		},
	}

	cmd.Flags().StringVar(&connStr, "connection-string", "", "Relay connection string (Endpoint=sb://...;EntityPath=...;SharedAccessKeyName=...;SharedAccessKey=...)")
	cmd.Flags().StringVar(&forwardTo, "forward", "", "Base URL of a local HTTP backend to forward relayed requests to; empty answers 501")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address to serve Prometheus /metrics on; empty disables it")
	cmd.Flags().DurationVar(&tokenTTL, "token-ttl", 20*time.Minute, "Lifetime of each minted SAS token")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Optional run time (e.g. 30s); 0 = run until Ctrl-C")
	_ = cmd.MarkFlagRequired("connection-string")
	return cmd
}

func forwardHTTP(client *http.Client, base string, ctx *hycolink.ListenerContext) []byte {
	req, err := http.NewRequest(ctx.Request.Method, base+ctx.Request.Path, nil)
	if err != nil {
		ctx.Response.SetStatus(http.StatusBadGateway, "build forward request: "+err.Error())
		return nil
	}
	for k, v := range ctx.Request.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		ctx.Response.SetStatus(http.StatusBadGateway, "forward request: "+err.Error())
		return nil
	}
	defer resp.Body.Close()

	for k := range resp.Header {
		ctx.Response.SetHeader(k, resp.Header.Get(k))
	}
	ctx.Response.SetStatus(resp.StatusCode, resp.Status)

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil
	}
	if buf.Len() == 0 {
		return nil
	}
	return buf.Bytes()
}

func drainAccepted(ctx context.Context, l *hycolink.Listener) {
	for {
		ch, err := l.AcceptConnection(ctx, 0)
		if err != nil {
			return
		}
		if ch == nil {
			return
		}
		logging.Sugar().Infow("rendezvous channel accepted", "tracking_id", ch.Tracking.TrackingID())
		_ = ch.Close()
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Sugar().Warnw("metrics server stopped", "err", err)
	}
}
