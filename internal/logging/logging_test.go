package logging

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerCreatedBeforeInitUsesConfiguredHandler(t *testing.T) {
	logger := L("gpuprocess")

	var buf bytes.Buffer
	Init("text", "info", &buf)

	logger.Info("launched", "pid", 42)

	out := buf.String()
	if !strings.Contains(out, "msg=launched") {
		t.Fatalf("expected message, got: %s", out)
	}
	if !strings.Contains(out, "component=gpuprocess") {
		t.Fatalf("expected component field, got: %s", out)
	}
	if !strings.Contains(out, "pid=42") {
		t.Fatalf("expected pid field, got: %s", out)
	}
}

func TestInitRespectsLevel(t *testing.T) {
	logger := L("gpudata")

	var buf bytes.Buffer
	Init("text", "warn", &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") {
		t.Fatalf("warn should be emitted: %s", out)
	}
}

func TestForwarderReceivesRecordsWithLoggerAttrs(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "error", &buf)

	fw := NewForwarder("debug", 8)
	got := make(chan Entry, 4)
	fw.Attach(func(e Entry) error {
		got <- e
		return nil
	})
	InstallForwarder(fw)
	t.Cleanup(func() { InstallForwarder(nil); fw.Stop() })

	L("gpuchild").With(slog.String("stage", "init")).Debug("collecting", "attempt", 1)

	select {
	case e := <-got:
		if e.Component != "gpuchild" {
			t.Fatalf("component = %q, want gpuchild", e.Component)
		}
		if e.Message != "collecting" {
			t.Fatalf("message = %q", e.Message)
		}
		if e.Fields["stage"] != "init" {
			t.Fatalf("logger attrs not forwarded: %v", e.Fields)
		}
		if e.Level != slog.LevelDebug {
			t.Fatalf("level = %v", e.Level)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded entry")
	}

	if strings.Contains(buf.String(), "collecting") {
		t.Fatalf("debug record should not reach an error-level local handler: %s", buf.String())
	}
}

func TestForwarderBuffersUntilAttached(t *testing.T) {
	fw := NewForwarder("info", 4)
	defer fw.Stop()

	fw.Enqueue(Entry{Message: "early-1"})
	fw.Enqueue(Entry{Message: "early-2"})

	got := make(chan string, 4)
	fw.Attach(func(e Entry) error {
		got <- e.Message
		return nil
	})

	for _, want := range []string{"early-1", "early-2"} {
		select {
		case m := <-got:
			if m != want {
				t.Fatalf("got %q, want %q", m, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}
}

func TestForwarderDropsWhenFull(t *testing.T) {
	fw := NewForwarder("info", 2)
	defer fw.Stop()

	for i := 0; i < 5; i++ {
		fw.Enqueue(Entry{Message: "x"})
	}
	if fw.Dropped() != 3 {
		t.Fatalf("dropped = %d, want 3", fw.Dropped())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{" error ", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRotatingFileShiftsBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpuhost.log")
	rf, err := OpenRotatingFile(path, 1, 2)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rf.Close()

	chunk := bytes.Repeat([]byte("a"), 700*1024)
	for i := 0; i < 3; i++ {
		if _, err := rf.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	for _, name := range []string{path, path + ".1", path + ".2"} {
		if _, err := os.Stat(name); err != nil {
			t.Fatalf("expected %s to exist: %v", name, err)
		}
	}
	if _, err := os.Stat(path + ".3"); !os.IsNotExist(err) {
		t.Fatalf("backup count should be capped at 2")
	}
}
