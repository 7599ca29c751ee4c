package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger_DefaultsToNopWhenUnset(t *testing.T) {
	l.Store(nil)
	if Initialised() {
		t.Fatal("expected Initialised() to report false before Set is ever called")
	}
	if Logger() == nil {
		t.Fatal("expected Logger() to return a usable logger even when unset")
	}
}

func TestSet_NilDowngradesToNop(t *testing.T) {
	Set(nil)
	if Initialised() {
		t.Fatal("expected Set(nil) to install a nop logger, not mark as initialised")
	}
}

func TestSet_InstallsSuppliedLogger(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))
	defer Set(nil)

	if !Initialised() {
		t.Fatal("expected Initialised() to report true after Set with a real logger")
	}
	Logger().Info("hello")
	if logs.Len() != 1 || logs.All()[0].Message != "hello" {
		t.Fatalf("expected the installed logger to receive the log line, got %+v", logs.All())
	}
}
