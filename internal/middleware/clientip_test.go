package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClientIPExtractor_Extract(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		trusted    []string
		remoteAddr string
		xff        string
		want       string
	}{
		{
			name:       "no trusted proxies ignores header",
			remoteAddr: "203.0.113.5:1234",
			xff:        "198.51.100.1",
			want:       "203.0.113.5",
		},
		{
			name:       "untrusted peer ignores header",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "203.0.113.5:1234",
			xff:        "198.51.100.1",
			want:       "203.0.113.5",
		},
		{
			name:       "trusted peer uses last untrusted hop",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:1234",
			xff:        "198.51.100.1, 203.0.113.9, 10.0.0.7",
			want:       "203.0.113.9",
		},
		{
			name:       "single trusted address",
			trusted:    []string{"10.1.2.3"},
			remoteAddr: "10.1.2.3:1234",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "all hops trusted falls back to peer",
			trusted:    []string{"10.0.0.0/8"},
			remoteAddr: "10.1.2.3:1234",
			xff:        "10.0.0.9",
			want:       "10.1.2.3",
		},
		{
			name:       "invalid entries skipped",
			trusted:    []string{"not-an-ip", "10.0.0.0/8"},
			remoteAddr: "10.1.2.3:1234",
			xff:        "198.51.100.1",
			want:       "198.51.100.1",
		},
		{
			name:       "ipv6 peer",
			remoteAddr: "[2001:db8::1]:443",
			want:       "2001:db8::1",
		},
		{
			name:       "peer without port",
			remoteAddr: "203.0.113.5",
			want:       "203.0.113.5",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set(HeaderXForwardedFor, tt.xff)
			}

			assert.Equal(t, tt.want, NewClientIPExtractor(tt.trusted).Extract(req))
		})
	}
}
