package httpclient

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSaferClientDefaults(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	assert.Equal(t, 30*time.Second, client.Timeout)
	assert.Equal(t, 10, client.maxRedirects)
	assert.True(t, client.blockPrivateIP)
}

func TestValidateURL(t *testing.T) {
	client := NewSaferClient(30 * time.Second)

	tests := []struct {
		name      string
		url       string
		shouldErr bool
	}{
		{name: "https", url: "https://example.com/data.json"},
		{name: "http", url: "http://example.com"},
		{name: "file scheme", url: "file:///etc/passwd", shouldErr: true},
		{name: "userinfo confusion", url: "http://example.com@localhost/", shouldErr: true},
		{name: "localhost", url: "http://localhost:8080/", shouldErr: true},
		{name: "subdomain of localhost", url: "http://api.localhost/", shouldErr: true},
		{name: "loopback ip", url: "http://127.0.0.1/", shouldErr: true},
		{name: "rfc1918", url: "http://10.1.2.3/", shouldErr: true},
		{name: "metadata endpoint", url: "http://169.254.169.254/latest/meta-data", shouldErr: true},
		{name: "ipv6 loopback", url: "http://[::1]/", shouldErr: true},
		{name: "missing host", url: "http:///path", shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.ValidateURL(tt.url)
			if tt.shouldErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestIsPrivateAddr(t *testing.T) {
	tests := []struct {
		ip      string
		private bool
	}{
		{"10.0.0.1", true},
		{"172.16.5.4", true},
		{"192.168.1.1", true},
		{"127.0.0.1", true},
		{"169.254.1.1", true},
		{"0.1.2.3", true},
		{"240.0.0.1", true},
		{"224.0.0.1", true},
		{"::ffff:10.0.0.1", true},
		{"fd00::1", true},
		{"fec0::1", true},
		{"fe80::1", true},
		{"2001:db8::1", true},
		{"8.8.8.8", false},
		{"2606:4700:4700::1111", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			assert.Equal(t, tt.private, isPrivateAddr(netip.MustParseAddr(tt.ip)))
		})
	}
}

func TestRedirectToLocalhostBlocked(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://localhost/admin", http.StatusFound)
	}))
	defer server.Close()

	// Allow the loopback test server itself, then turn blocking on for redirect checks
	client := WrapClient(server.Client())
	client.CheckRedirect = New(time.Second, Options{}).CheckRedirect

	resp, err := client.Client.Get(server.URL)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redirect blocked")
}

func TestMaxRedirects(t *testing.T) {
	blocked := false
	maxRedirects := 3
	client := New(5*time.Second, Options{BlockPrivateIP: &blocked, MaxRedirects: &maxRedirects})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/again", http.StatusFound)
	}))
	defer server.Close()

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stopped after 3 redirects")
}

func TestOptionsRestrictSchemes(t *testing.T) {
	client := New(time.Second, Options{AllowedSchemes: []string{"https"}})

	_, err := client.ValidateURL("http://example.com")
	assert.Error(t, err)
	_, err = client.ValidateURL("https://example.com")
	assert.NoError(t, err)
}

func TestDoBlocksLocalhost(t *testing.T) {
	client := NewSaferClient(time.Second)

	req, err := http.NewRequest(http.MethodGet, "http://localhost/", nil)
	require.NoError(t, err)

	_, err = client.Do(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SSRF")
}
