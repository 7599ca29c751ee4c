package version

import "testing"

func TestString_NeverEmpty(t *testing.T) {
	if s := String(); s == "" {
		t.Fatal("expected String() to be non-empty even with no ldflags injected")
	}
}

func TestComponents_DefaultsToDevPlaceholders(t *testing.T) {
	ver, commit, date := Components()
	if ver != "dev" || commit != "unknown" || date != "unknown" {
		t.Fatalf("unexpected defaults: %q %q %q", ver, commit, date)
	}
}
