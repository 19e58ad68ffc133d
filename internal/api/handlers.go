package api

import (
	"errors"
	"net/http"
	"strings"

	"stockstreamv1/internal/auth"
	"stockstreamv1/internal/model"
	"stockstreamv1/internal/subs"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// pathSymbol extracts and validates the {symbol} path segment.
func pathSymbol(r *http.Request) (string, bool) {
	symbol := strings.ToUpper(r.PathValue("symbol"))
	return symbol, model.ValidSymbol(symbol)
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	symbol, ok := pathSymbol(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol must be 1-10 chars of A-Z, 0-9, dot, dash")
		return
	}

	res, err := s.manager.AddPermanent(r.Context(), claims.UserID, symbol)
	if err != nil {
		if errors.Is(err, subs.ErrTooManySymbols) {
			writeError(w, http.StatusTooManyRequests, "too_many_symbols", "concurrent symbol limit reached")
			return
		}
		writeError(w, http.StatusInternalServerError, "subscribe_failed", err.Error())
		return
	}

	status := "subscribed"
	if res.Already {
		status = "already"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           status,
		"symbol":           symbol,
		"subscriber_count": res.SubscriberCount,
	})
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	symbol, ok := pathSymbol(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol must be 1-10 chars of A-Z, 0-9, dot, dash")
		return
	}

	res, err := s.manager.RemovePermanent(r.Context(), claims.UserID, symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unsubscribe_failed", err.Error())
		return
	}

	status := "unsubscribed"
	if res.Already {
		status = "not_subscribed"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                status,
		"symbol":                symbol,
		"remaining_subscribers": res.SubscriberCount,
	})
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	symbols, err := s.manager.ListPermanent(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": symbols,
		"count":   len(symbols),
	})
}

func (s *Server) handleEnsureLive(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	symbol, ok := pathSymbol(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol must be 1-10 chars of A-Z, 0-9, dot, dash")
		return
	}

	if err := s.manager.EnsureLive(r.Context(), claims.UserID, symbol); err != nil {
		if errors.Is(err, subs.ErrTooManySymbols) {
			writeError(w, http.StatusTooManyRequests, "too_many_symbols", "concurrent symbol limit reached")
			return
		}
		writeError(w, http.StatusInternalServerError, "attach_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "subscribed",
		"symbol":  symbol,
		"message": "live subscription active",
	})
}

func (s *Server) handleManagerStatus(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	snapshot := s.manager.Snapshot()
	state := ""
	if s.feedState != nil {
		state = s.feedState()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"feed_state": state,
		"symbols":    snapshot,
		"count":      len(snapshot),
	})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	symbol, ok := pathSymbol(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol must be 1-10 chars of A-Z, 0-9, dot, dash")
		return
	}

	bars, ok := s.snapshots.Snapshot(r.Context(), symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no live series for symbol")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":  symbol,
		"candles": model.CandleMap(bars),
	})
}

func (s *Server) handleDatabaseStats(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	stats, err := s.history.SymbolStats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "stats_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols": stats,
		"count":   len(stats),
	})
}

func (s *Server) handleCandleCount(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	symbol, ok := pathSymbol(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol must be 1-10 chars of A-Z, 0-9, dot, dash")
		return
	}
	n, err := s.history.CandleCount(r.Context(), symbol)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "count_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":       symbol,
		"candle_count": n,
	})
}
