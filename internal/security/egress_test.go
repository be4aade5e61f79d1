package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewProviderClient_Timeout(t *testing.T) {
	client := NewEgressGuard().NewProviderClient(5 * time.Second)
	if client.Timeout != 5*time.Second {
		t.Errorf("expected timeout 5s, got %v", client.Timeout)
	}
	if client.Transport == nil || client.Transport == http.DefaultTransport {
		t.Fatal("expected custom Transport")
	}
	if client.CheckRedirect == nil {
		t.Fatal("expected redirect validation to be set")
	}
}

// httptestサーバーはループバック上のhttpのため拒否される。
func TestNewProviderClient_BlocksLoopback(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewEgressGuard().NewProviderClient(5 * time.Second)
	if _, err := client.Get(ts.URL); err == nil {
		t.Fatal("expected error for loopback request, got nil")
	}
}

func TestNewProviderClient_RedirectValidation(t *testing.T) {
	client := NewEgressGuard().NewProviderClient(5 * time.Second)

	safe, _ := http.NewRequest(http.MethodGet, "https://oauth2.googleapis.com/token", nil)
	if err := client.CheckRedirect(safe, []*http.Request{{}}); err != nil {
		t.Errorf("expected redirect to public https endpoint to pass, got %v", err)
	}

	internal, _ := http.NewRequest(http.MethodGet, "https://169.254.169.254/latest/meta-data/", nil)
	if err := client.CheckRedirect(internal, []*http.Request{{}}); err == nil {
		t.Error("expected redirect to metadata IP to be rejected")
	}

	tooMany := make([]*http.Request, maxProviderRedirects)
	if err := client.CheckRedirect(safe, tooMany); err == nil {
		t.Error("expected error after too many redirects")
	}
}

func TestValidateEndpoint(t *testing.T) {
	guard := NewEgressGuard()

	tests := []struct {
		url     string
		wantErr bool
	}{
		{"https://accounts.google.com/o/oauth2/auth", false},
		{"https://oauth2.googleapis.com/token", false},
		{"https://www.googleapis.com/oauth2/v3/userinfo", false},
		{"https://8.8.8.8/token", false},
		{"", true},
		{"http://oauth2.googleapis.com/token", true},
		{"ftp://example.com/token", true},
		{"https:///token", true},
		{"https://10.0.0.1/token", true},
		{"https://172.16.0.1/token", true},
		{"https://192.168.1.100/token", true},
		{"https://127.0.0.1/token", true},
		{"https://localhost/token", true},
		{"https://LOCALHOST/token", true},
		{"https://169.254.169.254/computeMetadata/v1/", true},
		{"https://[::1]/token", true},
		{"https://[fd00::1]/token", true},
		{"https://0.0.0.0/token", true},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := guard.ValidateEndpoint(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateEndpoint(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}
