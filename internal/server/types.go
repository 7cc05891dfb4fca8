// Package server defines connection metadata and utility helpers that are
// reused across client and hub logic.
package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("server")

// MetadataFunc produces the opaque metadata stored with a new connection.
// Enrichment such as geolocation plugs in here; the relay core never reads it.
type MetadataFunc func(r *http.Request) json.RawMessage

type connectionMetadata struct {
	RemoteAddr  string    `json:"remoteAddr"`
	UserAgent   string    `json:"userAgent,omitempty"`
	Origin      string    `json:"origin,omitempty"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// BasicMetadata records the request's address, user agent and origin.
func BasicMetadata(r *http.Request) json.RawMessage {
	md, err := json.Marshal(connectionMetadata{
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		Origin:      r.Header.Get("Origin"),
		ConnectedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil
	}
	return md
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
