package main

import (
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintBanner(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	stdout := os.Stdout
	os.Stdout = w
	printBanner("relay")
	os.Stdout = stdout
	require.NoError(t, w.Close())

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), asciiLogo+"  ► TalonWatch "), "logo must be followed directly by the version line")
	assert.Contains(t, string(out), "Mode: relay")
}

func TestRelayURLs(t *testing.T) {
	testCases := []struct {
		in, ws, http string
	}{
		{"10.0.0.5", "ws://10.0.0.5:3000/ws", "http://10.0.0.5:3000"},
		{"relay.lan:8080", "ws://relay.lan:8080/ws", "http://relay.lan:8080"},
		{"wss://relay.example.com/ws", "wss://relay.example.com/ws", "wss://relay.example.com/ws"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.ws, relayWSURL(tc.in), tc.in)
		assert.Equal(t, tc.http, relayHTTPURL(tc.in), tc.in)
	}
}

func TestContainsPort(t *testing.T) {
	assert.True(t, containsPort("host:1616"))
	assert.False(t, containsPort("host"))
	assert.False(t, containsPort("host/path"))
}
