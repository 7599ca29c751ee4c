package hycolink

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Voskan/hycolink/internal/token"
)

type stubProvider struct{}

func (stubProvider) GetToken() (token.SecurityToken, error) {
	return token.SecurityToken{Token: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func TestNew_RejectsEmptyAddress(t *testing.T) {
	_, err := New(Options{TokenProvider: stubProvider{}})
	if !errors.Is(err, ErrNullAddress) {
		t.Fatalf("expected ErrNullAddress, got %v", err)
	}
}

func TestNew_RejectsNilTokenProvider(t *testing.T) {
	_, err := New(Options{Address: "sb://ns/hc"})
	if !errors.Is(err, ErrNullProvider) {
		t.Fatalf("expected ErrNullProvider, got %v", err)
	}
}

func TestNew_RejectsWrongScheme(t *testing.T) {
	_, err := New(Options{Address: "https://ns/hc", TokenProvider: stubProvider{}})
	if err == nil {
		t.Fatal("expected an error for a non-sb:// address")
	}
}

func TestNew_ValidOptionsSucceeds(t *testing.T) {
	l, err := New(Options{Address: "sb://ns/hc", TokenProvider: stubProvider{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if l.IsOnline() {
		t.Fatal("expected a freshly constructed listener to not be online")
	}
	status := l.Status()
	if status.Connected {
		t.Fatal("expected Status().Connected to be false before Open")
	}
	if status.Phase != "idle" {
		t.Fatalf("expected phase idle before Open, got %q", status.Phase)
	}
}

func TestAcceptConnection_BeforeOpenReturnsErrNotOpen(t *testing.T) {
	l, err := New(Options{Address: "sb://ns/hc", TokenProvider: stubProvider{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := l.AcceptConnection(context.Background(), time.Millisecond); err != ErrNotOpen {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestClose_IsIdempotentWithoutOpen(t *testing.T) {
	l, err := New(Options{Address: "sb://ns/hc", TokenProvider: stubProvider{}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("expected idempotent Close to return nil, got %v", err)
	}
	status := l.Status()
	if status.Phase != "closed" {
		t.Fatalf("expected phase closed after Close(), got %q", status.Phase)
	}
}
