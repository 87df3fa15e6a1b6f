package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tliron/commonlog"
)

func TestConfigureFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goalproxy.log")
	got, err := Configure(1, path)
	if err != nil {
		t.Fatalf("Configure() error = %v", err)
	}
	if got != path {
		t.Errorf("Configure() = %q, want %q", got, path)
	}

	commonlog.GetLogger("goalproxy.test").Notice("hello from test")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestConfigureFallsBackToStderr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "dir", "goalproxy.log")
	got, err := Configure(0, path)
	if err == nil {
		t.Fatal("expected error for unwritable path")
	}
	if got != "" {
		t.Errorf("Configure() = %q, want stderr fallback", got)
	}
}

func TestSetVerbosity(t *testing.T) {
	Configure(0, "")
	if commonlog.AllowLevel(commonlog.Debug) {
		t.Error("debug enabled at verbosity 0")
	}
	SetVerbosity(2)
	if !commonlog.AllowLevel(commonlog.Debug) {
		t.Error("debug disabled at verbosity 2")
	}
	SetVerbosity(0)
}
