package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func mustTrustedProxies(t *testing.T, entries ...string) *TrustedProxies {
	t.Helper()
	trusted, err := NewTrustedProxies(entries)
	if err != nil {
		t.Fatalf("NewTrustedProxies: %v", err)
	}
	return trusted
}

// resolvedIP はミドルウェアを通したときにハンドラーから見えるClientIPを返す。
func resolvedIP(t *testing.T, trusted *TrustedProxies, remoteAddr string, xff ...string) string {
	t.Helper()
	var got string
	h := NewClientIPMiddleware(trusted)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ClientIP(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	for _, v := range xff {
		req.Header.Add("X-Forwarded-For", v)
	}
	h.ServeHTTP(httptest.NewRecorder(), req)
	return got
}

func TestClientIP_WithoutMiddleware_UsesRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	if got := ClientIP(req); got != "2001:db8::1" {
		t.Errorf("ClientIP = %q, want %q", got, "2001:db8::1")
	}
}

func TestClientIPMiddleware_Resolution(t *testing.T) {
	trusted := mustTrustedProxies(t, "10.0.0.0/8", "192.0.2.10")

	tests := []struct {
		name       string
		remoteAddr string
		xff        []string
		want       string
	}{
		{"untrusted peer ignores header", "203.0.113.9:5000", []string{"198.51.100.7"}, "203.0.113.9"},
		{"trusted peer without header", "10.0.0.2:5000", nil, "10.0.0.2"},
		{"trusted peer uses forwarded client", "10.0.0.2:5000", []string{"198.51.100.7"}, "198.51.100.7"},
		{"spoofed left entries are skipped", "10.0.0.2:5000", []string{"1.1.1.1, 198.51.100.7"}, "198.51.100.7"},
		{"trusted hops are walked", "10.0.0.2:5000", []string{"198.51.100.7, 192.0.2.10, 10.1.2.3"}, "198.51.100.7"},
		{"multiple headers are joined", "10.0.0.2:5000", []string{"198.51.100.7", "10.1.2.3"}, "198.51.100.7"},
		{"all hops trusted", "10.0.0.2:5000", []string{"10.9.9.9, 10.1.2.3"}, "10.9.9.9"},
		{"garbage stops the walk", "10.0.0.2:5000", []string{"198.51.100.7, not-an-ip, 10.1.2.3"}, "10.1.2.3"},
		{"hop with port", "10.0.0.2:5000", []string{"198.51.100.7:4711"}, "198.51.100.7"},
		{"ipv4 mapped peer", "[::ffff:10.0.0.2]:5000", []string{"198.51.100.7"}, "198.51.100.7"},
		{"ipv6 client", "10.0.0.2:5000", []string{"2001:db8::7"}, "2001:db8::7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolvedIP(t, trusted, tt.remoteAddr, tt.xff...); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClientIPMiddleware_NoTrustedProxies_IgnoresHeader(t *testing.T) {
	if got := resolvedIP(t, nil, "10.0.0.2:5000", "198.51.100.7"); got != "10.0.0.2" {
		t.Errorf("ClientIP = %q, want %q", got, "10.0.0.2")
	}
	if got := resolvedIP(t, mustTrustedProxies(t), "10.0.0.2:5000", "198.51.100.7"); got != "10.0.0.2" {
		t.Errorf("ClientIP = %q, want %q", got, "10.0.0.2")
	}
}

func TestNewTrustedProxies(t *testing.T) {
	trusted := mustTrustedProxies(t, " 10.0.0.0/8 ", "", "2001:db8::/32", "192.0.2.10")
	if trusted.Len() != 3 {
		t.Fatalf("Len = %d, want 3", trusted.Len())
	}

	tests := []struct {
		addr string
		want bool
	}{
		{"10.255.0.1", true},
		{"11.0.0.1", false},
		{"2001:db8::1", true},
		{"192.0.2.10", true},
		{"192.0.2.11", false},
		{"::ffff:10.0.0.1", true},
	}
	for _, tt := range tests {
		if got := trusted.Contains(netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("Contains(%s) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestNewTrustedProxies_InvalidEntry_ReturnsError(t *testing.T) {
	for _, entry := range []string{"10.0.0.0/33", "proxy.internal", "10.0.0"} {
		if _, err := NewTrustedProxies([]string{entry}); err == nil {
			t.Errorf("NewTrustedProxies(%q) should fail", entry)
		}
	}
}
