package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/google/uuid"
)

func TestInit(t *testing.T) {
	logger := Init("test-service", slog.LevelInfo)
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestConnID_RoundTrip(t *testing.T) {
	ctx := context.Background()

	if id := ConnID(ctx); id != "" {
		t.Errorf("expected empty conn id, got %q", id)
	}

	ctx = WithConnID(ctx, "conn-123")
	if id := ConnID(ctx); id != "conn-123" {
		t.Errorf("expected 'conn-123', got %q", id)
	}
}

func TestNewConnID(t *testing.T) {
	a, b := NewConnID(), NewConnID()
	if a == b {
		t.Fatalf("expected distinct ids, got %s twice", a)
	}
	if _, err := uuid.Parse(a); err != nil {
		t.Errorf("expected uuid, got %q: %v", a, err)
	}
}

func TestAttrs(t *testing.T) {
	ctx := context.Background()

	if attrs := Attrs(ctx); attrs != nil {
		t.Errorf("expected nil attrs when no conn id, got %v", attrs)
	}

	ctx = WithConnID(ctx, "abc-123")
	if attrs := Attrs(ctx); len(attrs) != 1 {
		t.Fatalf("expected one attr with conn id set, got %v", attrs)
	}
}
