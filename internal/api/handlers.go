package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/taltech/windowpipe/internal/persist"
)

// handleLatestWindow returns the most recently closed window for one
// exact (platform, symbol, kind) tuple and one window size, given by the
// required ?windowSizeMs= query parameter (400 when missing or not positive).
func (s *Server) handleLatestWindow(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	symbol := r.PathValue("symbol")
	kind := r.PathValue("kind")
	windowSizeMs := parseInt64Param(r, "windowSizeMs", 0)
	if windowSizeMs <= 0 {
		writeError(w, http.StatusBadRequest, "windowSizeMs query parameter is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	doc, err := s.reader.LatestWindow(ctx, platform, symbol, kind, windowSizeMs)
	if errors.Is(err, persist.ErrNoWindow) {
		writeError(w, http.StatusNotFound, "no window found for "+platform+"/"+symbol+"/"+kind)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, doc)
}

// handleWindowRange returns a time-ranged scan of windows for one
// (platform, symbol, kind) tuple, newest first.
func (s *Server) handleWindowRange(w http.ResponseWriter, r *http.Request) {
	platform := r.PathValue("platform")
	symbol := r.PathValue("symbol")
	kind := r.PathValue("kind")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	docs, err := s.reader.QueryWindows(ctx, persist.WindowFilter{
		Platform:     platform,
		Symbol:       symbol,
		Kind:         kind,
		WindowSizeMs: parseInt64Param(r, "windowSizeMs", 0),
		Limit:        parseIntParam(r, "limit", 100),
		From:         parseMillisParam(r, "from"),
		To:           parseMillisParam(r, "to"),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, docs)
}

type statsResponse struct {
	Uptime      string `json:"uptime"`
	Subscribers int    `json:"subscribers"`
}

// handleStats returns runtime and live-feed statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	subs := 0
	if s.hub != nil {
		subs = s.hub.SubscriberCount()
	}

	writeJSON(w, http.StatusOK, statsResponse{
		Uptime:      time.Since(s.startAt).Truncate(time.Second).String(),
		Subscribers: subs,
	})
}
