package proxy

import (
	"net/http"
	"testing"
)

func TestMatchExactAndSuffixPatterns(t *testing.T) {
	wl := NewWhitelist([]Entry{
		{HostPattern: "api.example.com"},
		{HostPattern: ".pkg.example.org", AllowedMethods: []string{"GET", "HEAD"}},
	})

	cases := []struct {
		host   string
		method string
		want   bool
	}{
		{"api.example.com", http.MethodPost, true},
		{"API.EXAMPLE.COM", http.MethodGet, true},
		{"evil-api.example.com", http.MethodGet, false},
		{"mirror.pkg.example.org", http.MethodGet, true},
		{"pkg.example.org", http.MethodGet, true},
		{"mirror.pkg.example.org", http.MethodPost, false},
		{"unrelated.net", http.MethodGet, false},
	}
	for _, tc := range cases {
		if _, got := wl.Match(tc.host, tc.method); got != tc.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tc.host, tc.method, got, tc.want)
		}
	}
}

func TestMetadataServiceIsPermanentlyDenied(t *testing.T) {
	// Even an explicit whitelist entry cannot admit the metadata service
	// or link-local addresses.
	wl := NewWhitelist([]Entry{
		{HostPattern: "169.254.169.254"},
		{HostPattern: "169.254.10.20"},
	})
	if _, ok := wl.Match("169.254.169.254", http.MethodGet); ok {
		t.Fatalf("metadata service must never match")
	}
	if _, ok := wl.Match("169.254.10.20", http.MethodGet); ok {
		t.Fatalf("link-local address must never match")
	}
}
