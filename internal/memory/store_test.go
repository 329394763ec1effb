package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		in      string
		host    string
		port    int
		useTLS  bool
		wantErr bool
	}{
		{in: "http://localhost:6333", host: "localhost", port: 6334},
		{in: "http://localhost:6334", host: "localhost", port: 6334},
		{in: "http://qdrant.internal:7000", host: "qdrant.internal", port: 7000},
		{in: "https://qdrant.example.com", host: "qdrant.example.com", port: 6334, useTLS: true},
		{in: "https://qdrant.example.com:443", host: "qdrant.example.com", port: 443, useTLS: true},
		{in: "not a url", wantErr: true},
		{in: "", wantErr: true},
		{in: "http://localhost:notaport", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			host, port, useTLS, err := parseURL(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.host, host)
			assert.Equal(t, tc.port, port)
			assert.Equal(t, tc.useTLS, useTLS)
		})
	}
}
