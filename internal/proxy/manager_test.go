package proxy

import (
	"slices"
	"testing"
)

func TestGetProxyRotates(t *testing.T) {
	m := NewManager([]string{"http://p1:8000", " ", "http://p2:8000"}, nil)
	var got []string
	for range 4 {
		got = append(got, m.GetProxy())
	}
	want := []string{"http://p1:8000", "http://p2:8000", "http://p1:8000", "http://p2:8000"}
	if !slices.Equal(got, want) {
		t.Errorf("rotation = %v, want %v", got, want)
	}
}

func TestGetProxyEmpty(t *testing.T) {
	if p := NewManager(nil, nil).GetProxy(); p != "" {
		t.Errorf("GetProxy() = %q, want empty", p)
	}
}

func TestGetUserAgent(t *testing.T) {
	m := NewManager(nil, []string{"bot/1.0"})
	if ua := m.GetUserAgent(); ua != "bot/1.0" {
		t.Errorf("GetUserAgent() = %q", ua)
	}
	def := NewManager(nil, nil)
	for range 10 {
		if ua := def.GetUserAgent(); !slices.Contains(DefaultUserAgents, ua) {
			t.Fatalf("GetUserAgent() = %q, not a default agent", ua)
		}
	}
}
