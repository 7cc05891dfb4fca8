// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, status snapshots, and artifact downloads.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"

	"github.com/Tyrowin/relayhub/internal/artifact"
)

// WebSocketHandler handles WebSocket upgrade requests and manages client connections.
// It validates that the request uses the GET method, upgrades the HTTP connection
// to WebSocket, creates a new Client instance, and hands it to the hub, which
// attaches it to the broker and starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "addr", r.RemoteAddr, "err", err)
		return
	}

	client := NewClient(conn, s.hub, r.RemoteAddr, s.metadata(r))
	if !s.hub.join(client) {
		_ = conn.Close()
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the server is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Relay server is running!")
}

// StatusHandler reports connection counts per role, active transfers and uptime.
func (s *Server) StatusHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Status())
}

// BackupsHandler lists every tracked transfer.
func (s *Server) BackupsHandler(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.broker.Transfers())
}

// DownloadHandler streams a materialized artifact. The store keeps the
// artifact alive until the response is finished.
func (s *Server) DownloadHandler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	reader, err := s.store.Open(id)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			http.Error(w, "backup not found", http.StatusNotFound)
			return
		}
		log.Errorw("opening artifact", "backup", id, "err", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := reader.Close(); err != nil {
			log.Debugw("closing artifact reader", "backup", id, "err", err)
		}
	}()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": reader.Info.Filename,
	}))
	log.Infow("artifact download", "backup", id, "addr", r.RemoteAddr, "size", reader.Info.Size)
	http.ServeContent(w, r, reader.Info.Filename, reader.Info.CreatedAt, reader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debugw("writing json response", "err", err)
	}
}
