package logger

import "testing"

func TestNewLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error"} {
		l, err := New(level)
		if err != nil {
			t.Fatalf("New(%q): %v", level, err)
		}
		if l == nil {
			t.Fatalf("New(%q) returned nil logger", level)
		}
	}
	l, _ := New("warn")
	if l.Core().Enabled(-1) {
		t.Error("debug enabled at warn level")
	}
	if _, err := New("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}
