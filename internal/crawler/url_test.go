package crawler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{in: "HTTPS://Example.COM:443/events?b=2&a=1#tickets", want: "https://example.com/events?a=1&b=2"},
		{in: "http://example.com:80/", want: "http://example.com/"},
		{in: "  https://example.com/x  ", want: "https://example.com/x"},
	}
	for _, tt := range tests {
		got, err := NormalizeURL(tt.in)
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}

	_, err := NormalizeURL("/relative/path")
	require.Error(t, err)
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Domain("https://www.Example.com:8443/a"))
	require.Equal(t, "tickets.example.org", Domain("http://tickets.example.org"))
	require.Equal(t, "", Domain("://bad"))
}
