package search

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema-ai/noema/internal/model"
)

// testLogger returns a logger for tests that discards most output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseQdrantURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		wantHost string
		wantPort int
		wantTLS  bool
		wantErr  bool
	}{
		{name: "https with REST port", url: "https://xyz.cloud.qdrant.io:6333", wantHost: "xyz.cloud.qdrant.io", wantPort: 6334, wantTLS: true},
		{name: "http with gRPC port", url: "http://localhost:6334", wantHost: "localhost", wantPort: 6334, wantTLS: false},
		{name: "no port defaults to gRPC", url: "http://localhost", wantHost: "localhost", wantPort: 6334, wantTLS: false},
		{name: "empty", url: "", wantErr: true},
		{name: "garbage", url: "::::", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port, useTLS, err := parseQdrantURL(tt.url)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, host)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, tt.wantTLS, useTLS)
		})
	}
}

func TestPointIDStable(t *testing.T) {
	a := pointID("aaaa0001", model.BridgeStructure)
	b := pointID("aaaa0001", model.BridgeStructure)
	assert.Equal(t, a.GetUuid(), b.GetUuid())

	c := pointID("aaaa0001", model.BridgeFunction)
	assert.NotEqual(t, a.GetUuid(), c.GetUuid())

	d := pointID("aaaa0002", model.BridgeStructure)
	assert.NotEqual(t, a.GetUuid(), d.GetUuid())
}
