package wire

import "testing"

func TestParse_AcceptFrame(t *testing.T) {
	data := []byte(`{"accept":{"id":"a1","address":"wss://relay/rendezvous","connectHeaders":{"X":"y"},"remoteEndpoint":{"address":"1.2.3.4","port":443}}}`)
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.Accept == nil || f.Accept.ID != "a1" {
		t.Fatalf("expected accept frame with id a1, got %+v", f)
	}
	if f.Request != nil || f.Response != nil || f.RenewToken != nil {
		t.Fatalf("expected only Accept to be populated, got %+v", f)
	}
}

func TestParse_RejectsZeroVariants(t *testing.T) {
	if _, err := Parse([]byte(`{}`)); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestParse_RejectsMultipleVariants(t *testing.T) {
	data := []byte(`{"accept":{"id":"a"},"request":{"id":"r"}}`)
	if _, err := Parse(data); err != ErrInvalidFrame {
		t.Fatalf("expected ErrInvalidFrame, got %v", err)
	}
}

func TestParse_RejectsInvalidJSON(t *testing.T) {
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Fatal("expected an error for invalid JSON")
	}
}

func TestEncodeResponse_RoundTrips(t *testing.T) {
	data, err := EncodeResponse(&ResponseCommand{
		RequestID:         "r1",
		StatusCode:        200,
		StatusDescription: "OK",
		Headers:           map[string]string{"Content-Type": "text/plain"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error parsing encoded response: %v", err)
	}
	if f.Response == nil || f.Response.RequestID != "r1" || f.Response.StatusCode != 200 {
		t.Fatalf("round-tripped response mismatch: %+v", f.Response)
	}
}

func TestEncodeRenewToken_RoundTrips(t *testing.T) {
	data, err := EncodeRenewToken(&RenewTokenCommand{Token: "tok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, err := Parse(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.RenewToken == nil || f.RenewToken.Token != "tok" {
		t.Fatalf("round-tripped renewToken mismatch: %+v", f.RenewToken)
	}
}
