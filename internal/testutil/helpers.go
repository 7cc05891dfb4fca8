// Package testutil provides helpers shared by the relay test suites.
//
// It contains an in-memory connection handle for exercising the broker
// without sockets, plus WebSocket and HTTP helpers for end-to-end tests
// against an httptest server.
package testutil

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// ErrHandleClosed is returned by FakeHandle once it has been closed.
var ErrHandleClosed = errors.New("fake handle closed")

// FakeHandle is an in-memory connection handle that records every frame
// delivered to it.
type FakeHandle struct {
	mu       sync.Mutex
	frames   [][]byte
	pings    int
	closed   bool
	failSend bool
	failPing bool
}

// NewFakeHandle returns an open handle.
func NewFakeHandle() *FakeHandle {
	return &FakeHandle{}
}

// Send records payload, or fails when the handle is closed or set to fail.
func (h *FakeHandle) Send(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	if h.failSend {
		return errors.New("fake send failure")
	}
	h.frames = append(h.frames, append([]byte(nil), payload...))
	return nil
}

// Ping counts a liveness probe.
func (h *FakeHandle) Ping() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrHandleClosed
	}
	h.pings++
	if h.failPing {
		return errors.New("fake ping failure")
	}
	return nil
}

// Close marks the handle closed.
func (h *FakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}

// FailSends makes every subsequent Send fail.
func (h *FakeHandle) FailSends() {
	h.mu.Lock()
	h.failSend = true
	h.mu.Unlock()
}

// FailPings makes every subsequent Ping fail.
func (h *FakeHandle) FailPings() {
	h.mu.Lock()
	h.failPing = true
	h.mu.Unlock()
}

// Closed reports whether Close was called.
func (h *FakeHandle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// Pings returns the number of probes received.
func (h *FakeHandle) Pings() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pings
}

// Frames returns a copy of every recorded frame.
func (h *FakeHandle) Frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.frames))
	copy(out, h.frames)
	return out
}

// Messages decodes every recorded frame as a JSON object.
func (h *FakeHandle) Messages(t *testing.T) []map[string]any {
	t.Helper()
	frames := h.Frames()
	out := make([]map[string]any, 0, len(frames))
	for _, f := range frames {
		var m map[string]any
		require.NoError(t, json.Unmarshal(f, &m), "frame %s", f)
		out = append(out, m)
	}
	return out
}

// OfType returns the recorded messages whose type field equals typ.
func (h *FakeHandle) OfType(t *testing.T, typ string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, m := range h.Messages(t) {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

// Reset drops every recorded frame.
func (h *FakeHandle) Reset() {
	h.mu.Lock()
	h.frames = nil
	h.mu.Unlock()
}

// MustJSON marshals v or fails the test.
func MustJSON(t *testing.T, v any) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return data
}

// WebSocketURL converts an httptest server URL into the relay endpoint URL.
func WebSocketURL(t *testing.T, serverURL string) string {
	t.Helper()
	u, err := url.Parse(serverURL)
	require.NoError(t, err)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	return u.String()
}

// ConnectWebSocket dials url and closes the connection when the test ends.
// An empty origin sends no Origin header, like a native client.
func ConnectWebSocket(t *testing.T, url, origin string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// SendJSON writes v as one text frame.
func SendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, MustJSON(t, v)))
}

// ReadUntilType reads frames until one has the given type, skipping others.
func ReadUntilType(t *testing.T, conn *websocket.Conn, typ string, timeout time.Duration) map[string]any {
	t.Helper()
	deadline := time.Now().Add(timeout)
	require.NoError(t, conn.SetReadDeadline(deadline))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q", typ)

		var m map[string]any
		require.NoError(t, json.Unmarshal(data, &m), "frame %s", data)
		if m["type"] == typ {
			return m
		}
	}
}

// ExpectNoMessage asserts that nothing arrives on conn within timeout.
func ExpectNoMessage(t *testing.T, conn *websocket.Conn, timeout time.Duration) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(timeout)))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	_, data, err := conn.ReadMessage()
	require.Error(t, err, "unexpected frame %s", data)
}

// CloseWebSocket sends a normal close frame and closes the connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest performs an HTTP request with a short timeout.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(method, url, http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// AssertStatusCode checks the response status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	require.Equal(t, expected, resp.StatusCode)
}

// AssertContentType checks the response Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	require.Equal(t, expected, resp.Header.Get("Content-Type"))
}
