package server

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relayhub/internal/artifact"
	"github.com/Tyrowin/relayhub/internal/config"
	"github.com/Tyrowin/relayhub/internal/relay"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	store, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	return NewHub(config.NewConfig(), relay.New(store, relay.Options{}))
}

// TestNewHub verifies that NewHub returns a hub with usable channels and no clients.
func TestNewHub(t *testing.T) {
	hub := newTestHub(t)

	require.NotNil(t, hub)
	assert.NotNil(t, hub.GetRegisterChan())
	assert.NotNil(t, hub.GetUnregisterChan())
	assert.Equal(t, 0, hub.ClientCount())
}

// TestHubRunAndShutdown verifies that a hub without clients starts, skips a
// nil registration and shuts down promptly.
func TestHubRunAndShutdown(t *testing.T) {
	hub := newTestHub(t)
	go hub.Run()

	select {
	case hub.GetRegisterChan() <- nil:
	case <-time.After(time.Second):
		t.Fatal("hub did not accept a registration")
	}

	require.NoError(t, hub.Shutdown(time.Second))
	assert.Equal(t, 0, hub.ClientCount())
}

// TestHubJoinAfterShutdown verifies that late clients are refused instead of
// blocking forever.
func TestHubJoinAfterShutdown(t *testing.T) {
	hub := newTestHub(t)
	go hub.Run()
	require.NoError(t, hub.Shutdown(time.Second))

	client := NewClient(nil, hub, "127.0.0.1:1", nil)
	done := make(chan bool, 1)
	go func() { done <- hub.join(client) }()

	select {
	case joined := <-done:
		assert.False(t, joined)
	case <-time.After(time.Second):
		t.Fatal("join blocked after shutdown")
	}

	// leave falls back to direct cleanup once the loop is gone.
	hub.leave(client)
}

// TestClientSendBuffer verifies that Send never blocks and refuses frames
// once the buffer is full or the client is closed.
func TestClientSendBuffer(t *testing.T) {
	hub := newTestHub(t)
	client := NewClient(nil, hub, "127.0.0.1:1", nil)

	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, client.Send([]byte(`{"type":"x"}`)))
	}
	assert.ErrorIs(t, client.Send([]byte(`{}`)), errSendBufferFull)
	assert.Len(t, client.GetSendChan(), sendBufferSize)

	client.markClosed()
	client.markClosed()
	assert.ErrorIs(t, client.Send([]byte(`{}`)), errClientClosed)
	assert.ErrorIs(t, client.Ping(), errClientClosed)
	assert.NoError(t, client.Close())
}

// TestRateLimiterBurst verifies that the limiter admits exactly one burst.
func TestRateLimiterBurst(t *testing.T) {
	limiter := newRateLimiter(config.RateLimitConfig{Burst: 3, RefillInterval: time.Hour})

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.Allow(), "message %d", i)
	}
	assert.False(t, limiter.Allow())

	fallback := newRateLimiter(config.RateLimitConfig{})
	assert.True(t, fallback.Allow())
}

func TestOriginNormalization(t *testing.T) {
	policy := newOriginPolicy([]string{" https://Example.com ", "not-a-url", ""})

	tests := []struct {
		origin string
		want   bool
	}{
		{"https://example.com", true},
		{"HTTPS://EXAMPLE.COM", true},
		{"http://example.com", false},
		{"https://example.com:8443", false},
		{"javascript:alert(1)", false},
		{"", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		assert.Equal(t, tt.want, policy.isOriginAllowed(r), "origin %q", tt.origin)
	}

	wildcard := newOriginPolicy([]string{"*"})
	r := httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Origin", "https://anything.example")
	assert.True(t, wildcard.isOriginAllowed(r))
}

func TestServerUsesGatherer(t *testing.T) {
	store, err := artifact.NewStore(t.TempDir(), nil)
	require.NoError(t, err)
	reg := prometheus.NewRegistry()

	srv := New(config.NewConfig(), relay.New(store, relay.Options{}), store, WithGatherer(reg))
	assert.Same(t, reg, srv.gatherer)
	assert.NotNil(t, srv.Hub())
}
