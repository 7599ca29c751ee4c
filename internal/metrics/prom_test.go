package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister_IsIdempotent(t *testing.T) {
	Register()
	Register() // must not panic (duplicate registration)
}

func TestSetPhase_OnlyActivePhaseIsOne(t *testing.T) {
	Register()
	phases := []string{"idle", "connecting", "online", "reconnecting", "closed"}
	SetPhase(phases, "online")

	for _, p := range phases {
		want := 0.0
		if p == "online" {
			want = 1.0
		}
		got := testutil.ToFloat64(ControlPhase.WithLabelValues(p))
		if got != want {
			t.Errorf("phase %q: got %v, want %v", p, got, want)
		}
	}

	SetPhase(phases, "closed")
	if got := testutil.ToFloat64(ControlPhase.WithLabelValues("online")); got != 0.0 {
		t.Errorf("expected online to drop to 0 once closed becomes active, got %v", got)
	}
	if got := testutil.ToFloat64(ControlPhase.WithLabelValues("closed")); got != 1.0 {
		t.Errorf("expected closed to be 1, got %v", got)
	}
}
