// Package api exposes a read-only HTTP query surface over the windows
// mirror, for downstream consumers that want the latest aggregates or a
// time-ranged scan without reading the durable Bolt log directly.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/taltech/windowpipe/internal/livefeed"
	"github.com/taltech/windowpipe/internal/persist"
)

// Server provides read-only HTTP endpoints over a persist.WindowReader.
type Server struct {
	reader  persist.WindowReader
	hub     *livefeed.Hub
	startAt time.Time
}

// NewServer creates a new Server. hub may be nil; when set, /api/stats
// reports its current subscriber count.
func NewServer(reader persist.WindowReader, hub *livefeed.Hub) *Server {
	return &Server{reader: reader, hub: hub, startAt: time.Now()}
}

// Register attaches API routes to the given mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/windows/{platform}/{symbol}/{kind}/latest", s.handleLatestWindow)
	mux.HandleFunc("GET /api/windows/{platform}/{symbol}/{kind}", s.handleWindowRange)
	mux.HandleFunc("GET /api/stats", s.handleStats)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseIntParam parses an integer query parameter with a default value.
func parseIntParam(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// parseInt64Param parses an int64 query parameter with a default value.
func parseInt64Param(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// parseMillisParam parses an epoch-milliseconds query parameter.
func parseMillisParam(r *http.Request, key string) *int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil
	}
	return &n
}
