package log

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestResolveDirFlagWins(t *testing.T) {
	t.Setenv("MURMUR_LOG_PATH", "/env/path")
	got, err := ResolveDir("/flag/path")
	if err != nil {
		t.Fatalf("ResolveDir: %v", err)
	}
	if got != "/flag/path" {
		t.Errorf("got %q, want /flag/path", got)
	}
}

func TestResolveDirEnv(t *testing.T) {
	t.Setenv("MURMUR_LOG_PATH", "/env/path")
	got, err := ResolveDir("")
	if err != nil {
		t.Fatalf("ResolveDir: %v", err)
	}
	if got != "/env/path" {
		t.Errorf("got %q, want /env/path", got)
	}
}

func TestResolveDirRelativeFlag(t *testing.T) {
	got, err := ResolveDir("logs")
	if err != nil {
		t.Fatalf("ResolveDir: %v", err)
	}
	if !filepath.IsAbs(got) {
		t.Errorf("expected absolute path, got %q", got)
	}
	if !strings.HasSuffix(got, "logs") {
		t.Errorf("expected suffix logs, got %q", got)
	}
}

func TestInitAndWrite(t *testing.T) {
	tmp := t.TempDir()
	SetDir(tmp)
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	Info("hello_diagnostics")
	Transition("idle", "recording")
	Close()

	data, err := os.ReadFile(filepath.Join(tmp, "diagnostics_log.txt"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello_diagnostics") {
		t.Error("log file missing info line")
	}
	if !strings.Contains(string(data), "transition") {
		t.Error("log file missing transition line")
	}
}

func TestWriteBeforeInitIsNoop(t *testing.T) {
	Close()
	Info("dropped")
	Warnf("dropped %d", 1)
	Errorf("dropped %d", 2)
}
