package server

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListenAddr(t *testing.T) {
	cases := map[string]string{
		"":               ":0",
		"8080":           ":8080",
		":9090":          ":9090",
		"127.0.0.1:4000": "127.0.0.1:4000",
	}
	for in, want := range cases {
		require.Equal(t, want, listenAddr(in), in)
	}
}
