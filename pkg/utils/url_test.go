package utils

import (
	"net/url"
	"testing"
)

func TestHashURL(t *testing.T) {
	a, b := HashURL("http://example.com/a"), HashURL("http://example.com/b")
	if a == b || len(a) != 64 {
		t.Errorf("HashURL gave %q and %q", a, b)
	}
	if HashURL("http://example.com/a") != a {
		t.Error("HashURL is not stable")
	}
}

func TestToAbsoluteURL(t *testing.T) {
	base, _ := url.Parse("http://example.com/dir/page.html")
	tests := map[string]string{
		"other.html":          "http://example.com/dir/other.html",
		"/root":               "http://example.com/root",
		" ../up#section ":     "http://example.com/up",
		"https://x.org/y?z=1": "https://x.org/y?z=1",
	}
	for in, want := range tests {
		got, err := ToAbsoluteURL(base, in)
		if err != nil || got != want {
			t.Errorf("ToAbsoluteURL(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
}

func TestFingerprint(t *testing.T) {
	get := Fingerprint("get", "http://example.com", nil)
	if get != Fingerprint("GET", "http://example.com", []byte{}) {
		t.Error("method case or empty body changed the fingerprint")
	}
	if get == Fingerprint("POST", "http://example.com", nil) {
		t.Error("method not part of the fingerprint")
	}
	if Fingerprint("POST", "http://example.com", []byte("a")) == Fingerprint("POST", "http://example.com", []byte("b")) {
		t.Error("body not part of the fingerprint")
	}
}
