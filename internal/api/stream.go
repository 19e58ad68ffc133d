package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"stockstreamv1/internal/auth"
	"stockstreamv1/internal/sse"
	"stockstreamv1/internal/subs"
)

const keepaliveInterval = 25 * time.Second

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("Access-Control-Allow-Origin", "*")
}

// handleCandleStream serves one SSE connection. Attaching creates live
// interest, so a symbol nobody subscribed to yet starts streaming from
// this request.
func (s *Server) handleCandleStream(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	symbol, ok := pathSymbol(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol must be 1-10 chars of A-Z, 0-9, dot, dash")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	session, err := s.manager.AttachLive(r.Context(), symbol)
	if err != nil {
		if errors.Is(err, subs.ErrTooManySymbols) {
			writeError(w, http.StatusTooManyRequests, "too_many_symbols", "concurrent symbol limit reached")
			return
		}
		writeError(w, http.StatusInternalServerError, "attach_failed", err.Error())
		return
	}
	defer session.Detach()

	sub := s.hub.Attach(r.Context(), symbol)
	defer s.hub.Detach(sub)

	if s.metrics != nil {
		s.metrics.SSEConnections.Inc()
		defer s.metrics.SSEConnections.Dec()
	}

	setStreamHeaders(w)
	flusher.Flush()

	s.sendLoop(w, r, flusher, func() ([]byte, error) {
		return sub.Next(r.Context())
	})
}

// handleNewsStream serves the single news broadcast room.
func (s *Server) handleNewsStream(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot flush")
		return
	}

	ch := s.newsHub.Subscribe()
	defer s.newsHub.Unsubscribe(ch)

	if s.metrics != nil {
		s.metrics.SSEConnections.Inc()
		defer s.metrics.SSEConnections.Dec()
	}

	setStreamHeaders(w)
	flusher.Flush()

	s.sendLoop(w, r, flusher, func() ([]byte, error) {
		select {
		case frame, ok := <-ch:
			if !ok {
				return nil, sse.ErrClosed
			}
			return frame, nil
		case <-r.Context().Done():
			return nil, r.Context().Err()
		}
	})
}

// sendLoop writes frames from next until the client goes away, emitting
// keepalive comments while idle.
func (s *Server) sendLoop(w http.ResponseWriter, r *http.Request, flusher http.Flusher, next func() ([]byte, error)) {
	frames := make(chan []byte)
	errc := make(chan error, 1)
	go func() {
		for {
			frame, err := next()
			if err != nil {
				errc <- err
				return
			}
			select {
			case frames <- frame:
			case <-r.Context().Done():
				return
			}
		}
	}()

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-errc:
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case frame := <-frames:
			if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
				return
			}
			flusher.Flush()
			if s.metrics != nil {
				s.metrics.SSEFramesSent.Inc()
			}
		}
	}
}
