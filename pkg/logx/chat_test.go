package logx

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu    sync.Mutex
	lines []string
}

func (r *recordingSink) SendLog(_ context.Context, _ int64, text string) error {
	r.mu.Lock()
	r.lines = append(r.lines, text)
	r.mu.Unlock()
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func TestFormatChatLine(t *testing.T) {
	t.Parallel()
	got := formatChatLine([]byte(`{"level":"warn","message":"feed down","comp":"detector","attempt":3,"time":"x"}` + "\n"))
	want := "[WARN] feed down\n- attempt=3\n- comp=detector"
	if got != want {
		t.Fatalf("formatChatLine = %q, want %q", got, want)
	}
}

func TestFormatChatLineNotJSON(t *testing.T) {
	t.Parallel()
	if got := formatChatLine([]byte("  plain text \n")); got != "plain text" {
		t.Fatalf("formatChatLine = %q", got)
	}
}

func TestChatSinkRespectsMinLevel(t *testing.T) {
	sink := &recordingSink{}
	svc, log := New(Config{
		Level: "debug",
		Chat:  ChatConfig{Enabled: true, ChatID: 42, MinLevel: "warn", RatePerSec: 100},
	}, sink)
	defer svc.Close()

	log.Info("ignored")
	log.Warn("forwarded", String("comp", "test"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := sink.count(); n != 1 {
		t.Fatalf("sink received %d lines, want 1", n)
	}
	sink.mu.Lock()
	line := sink.lines[0]
	sink.mu.Unlock()
	if !strings.HasPrefix(line, "[WARN] forwarded") {
		t.Fatalf("unexpected chat line %q", line)
	}
}

func TestLoggerWithFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "info").With(String("comp", "queue"))
	log.Debug("hidden")
	log.Info("depth", Int("n", 3))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %s", out)
	}
	if !strings.Contains(out, `"comp":"queue"`) || !strings.Contains(out, `"n":3`) {
		t.Fatalf("missing fields in %s", out)
	}
}

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.Error("nothing happens")
}
