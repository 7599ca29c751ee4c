package token

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type fakeProvider struct {
	mu       sync.Mutex
	calls    int
	failN    int // fail the first failN calls
	ttl      time.Duration
	failErr  error
}

func (p *fakeProvider) GetToken() (SecurityToken, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failN {
		if p.failErr == nil {
			p.failErr = errors.New("fake provider failure")
		}
		return SecurityToken{}, p.failErr
	}
	return SecurityToken{Token: "tok", ExpiresAt: time.Now().Add(p.ttl)}, nil
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func noDelayRetry() backoff.BackOff {
	b := backoff.NewConstantBackOff(time.Millisecond)
	return backoff.WithMaxRetries(b, 5)
}

func TestGetToken_ReturnsProviderToken(t *testing.T) {
	p := &fakeProvider{ttl: time.Hour}
	r := NewRenewer(p, WithRetry(noDelayRetry()))
	defer r.Close()

	tok, err := r.GetToken(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tok.Token != "tok" {
		t.Fatalf("unexpected token: %q", tok.Token)
	}
}

func TestGetToken_RetriesOnFlakyProvider(t *testing.T) {
	p := &fakeProvider{ttl: time.Hour, failN: 2}
	r := NewRenewer(p, WithRetry(noDelayRetry()))
	defer r.Close()

	tok, err := r.GetToken(context.Background())
	if err != nil {
		t.Fatalf("expected retries to eventually succeed, got error: %v", err)
	}
	if tok.Token != "tok" {
		t.Fatalf("unexpected token: %q", tok.Token)
	}
	if p.count() != 3 {
		t.Fatalf("expected exactly 3 calls (2 failures + 1 success), got %d", p.count())
	}
}

func TestGetToken_GivesUpAfterRetriesExhausted(t *testing.T) {
	p := &fakeProvider{ttl: time.Hour, failN: 100}
	r := NewRenewer(p, WithRetry(noDelayRetry()))
	defer r.Close()

	if _, err := r.GetToken(context.Background()); err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
}

func TestGetToken_ClosedRenewerRejectsNewFetches(t *testing.T) {
	p := &fakeProvider{ttl: time.Hour}
	r := NewRenewer(p, WithRetry(noDelayRetry()))
	r.Close()

	if _, err := r.GetToken(context.Background()); err != ErrRenewerClosed {
		t.Fatalf("expected ErrRenewerClosed, got %v", err)
	}
}

func TestRenewer_ArmClampsToMinimumRefreshMargin(t *testing.T) {
	p := &fakeProvider{ttl: time.Second} // far below minRefreshMargin
	r := NewRenewer(p, WithRetry(noDelayRetry()))
	defer r.Close()

	if _, err := r.GetToken(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.mu.Lock()
	timer := r.timer
	r.mu.Unlock()
	if timer == nil {
		t.Fatal("expected GetToken to arm a refresh timer")
	}
	// A token expiring in 1s must still be armed at least minRefreshMargin
	// out, not 1s; Stop returning true proves the timer has not already
	// fired in the instant since GetToken returned.
	if !timer.Stop() {
		t.Fatal("expected the refresh timer to still be pending, clamped to minRefreshMargin")
	}
}

func TestRenewer_CloseIsIdempotent(t *testing.T) {
	p := &fakeProvider{ttl: time.Hour}
	r := NewRenewer(p, WithRetry(noDelayRetry()))

	if _, err := r.GetToken(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Close()
	r.Close() // must not panic
}
