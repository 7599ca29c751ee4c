// internal/token/token.go
// Package token implements the TokenRenewer (C2): it fetches a bearer token
// from an external Provider, arms a single-shot timer to refresh it when it
// expires, and pushes renewed tokens to a subscriber so ControlConnection can
// relay them on the wire as a renewToken frame.
//
// The retry-on-flaky-provider behaviour is new relative to the distilled
// spec (see SPEC_FULL.md §3) and is modelled on the teacher's
// internal/agent/exporter/grpc_exporter.go use of github.com/cenkalti/backoff/v4
// to bound stream-reconnect retries.
package token

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/Voskan/hycolink/internal/logging"
	"github.com/Voskan/hycolink/internal/metrics"
)

// minRefreshMargin is the minimum delay, counted from now, before a renewal
// timer fires: a token expiring sooner is still refreshed no earlier than
// this.
const minRefreshMargin = 5 * time.Minute

// SecurityToken is a bearer token together with its expiry instant.
type SecurityToken struct {
	Token     string
	ExpiresAt time.Time
}

// Provider fetches a fresh SecurityToken from whatever credential source
// backs the listener (SAS key, managed identity, …). Implementations may be
// flaky; Renewer retries with backoff before giving up on a given cycle.
type Provider interface {
	GetToken() (SecurityToken, error)
}

// Renewer owns the single outstanding refresh timer for a token.Provider.
// Per spec.md §4.2: at most one outstanding renewal timer; renewal
// subscribers never see stale tokens (delivery precedes the next GetToken
// return).
type Renewer struct {
	provider Provider
	retry    backoff.BackOff

	onRenewed   func(SecurityToken)
	onException func(error)

	mu     chanMutex
	timer  *time.Timer
	closed bool
}

// chanMutex is a tiny non-reentrant mutex implemented with a buffered
// channel so Close can run concurrently with a firing timer without a data
// race on the *time.Timer field.
type chanMutex chan struct{}

func newChanMutex() chanMutex { ch := make(chan struct{}, 1); ch <- struct{}{}; return ch }
func (m chanMutex) Lock()     { <-m }
func (m chanMutex) Unlock()   { m <- struct{}{} }

// Option configures a Renewer.
type Option func(*Renewer)

// WithRetry overrides the default retry policy used around Provider.GetToken.
func WithRetry(b backoff.BackOff) Option {
	return func(r *Renewer) { r.retry = b }
}

// WithOnRenewed installs the subscriber invoked every time the background
// timer successfully refreshes the token.
func WithOnRenewed(fn func(SecurityToken)) Option {
	return func(r *Renewer) { r.onRenewed = fn }
}

// WithOnException installs the subscriber invoked when a background refresh
// exhausts its retries. The timer is not rearmed after such a failure; the
// next explicit GetToken call rearms it.
func WithOnException(fn func(error)) Option {
	return func(r *Renewer) { r.onException = fn }
}

// NewRenewer constructs a Renewer around provider.
func NewRenewer(provider Provider, opts ...Option) *Renewer {
	r := &Renewer{
		provider: provider,
		mu:       newChanMutex(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.retry == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 250 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 30 * time.Second
		r.retry = bo
	}
	return r
}

// GetToken fetches a token via the provider (retrying per the configured
// backoff policy), then arms a single-shot timer to refresh it at
// expiresAt-now, clamped to at least minRefreshMargin from now.
func (r *Renewer) GetToken(ctx context.Context) (SecurityToken, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return SecurityToken{}, ErrRenewerClosed
	}

	tok, err := r.fetchWithRetry(ctx)
	if err != nil {
		return SecurityToken{}, err
	}
	r.arm(tok)
	return tok, nil
}

func (r *Renewer) fetchWithRetry(ctx context.Context) (SecurityToken, error) {
	var tok SecurityToken
	op := func() error {
		t, err := r.provider.GetToken()
		if err != nil {
			return err
		}
		tok = t
		return nil
	}
	b := backoff.WithContext(r.retry, ctx)
	if err := backoff.Retry(op, b); err != nil {
		return SecurityToken{}, err
	}
	return tok, nil
}

// arm replaces any existing timer with a fresh one (a single-cell scheduled
// task replaced atomically, never reused).
func (r *Renewer) arm(tok SecurityToken) {
	delay := time.Until(tok.ExpiresAt)
	if delay < minRefreshMargin {
		delay = minRefreshMargin
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(delay, r.onFire)
}

func (r *Renewer) onFire() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tok, err := r.fetchWithRetry(ctx)
	if err != nil {
		logging.Logger().Warn("token renewal failed, timer not rearmed until next GetToken", zap.Error(err))
		if r.onException != nil {
			r.onException(err)
		}
		return
	}
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return
	}
	metrics.TokenRenewalsTotal.Inc()
	if r.onRenewed != nil {
		r.onRenewed(tok)
	}
	r.arm(tok)
}

// Close cancels the outstanding timer, if any. Subsequent fires are
// suppressed even if one was already in flight.
func (r *Renewer) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// ErrRenewerClosed is returned by GetToken after Close.
var ErrRenewerClosed = errors.New("token: renewer closed")
