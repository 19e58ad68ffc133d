package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"stockstreamv1/internal/auth"
	"stockstreamv1/internal/model"
	"stockstreamv1/internal/resample"
)

// udfResponse is the TradingView UDF column format.
type udfResponse struct {
	Status  string    `json:"s"`
	Times   []int64   `json:"t,omitempty"`
	Opens   []float64 `json:"o,omitempty"`
	Highs   []float64 `json:"h,omitempty"`
	Lows    []float64 `json:"l,omitempty"`
	Closes  []float64 `json:"c,omitempty"`
	Volumes []uint64  `json:"v,omitempty"`
}

func (s *Server) handleTradingViewHistory(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	q := r.URL.Query()

	symbol := strings.ToUpper(q.Get("symbol"))
	if !model.ValidSymbol(symbol) {
		writeError(w, http.StatusBadRequest, "invalid_symbol", "symbol must be 1-10 chars of A-Z, 0-9, dot, dash")
		return
	}

	fromTS, err := strconv.ParseInt(q.Get("from_ts"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", "from_ts must be a unix timestamp")
		return
	}
	toTS, err := strconv.ParseInt(q.Get("to_ts"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_range", "to_ts must be a unix timestamp")
		return
	}
	if toTS < fromTS {
		writeError(w, http.StatusBadRequest, "invalid_range", "to_ts is before from_ts")
		return
	}

	width, err := resample.ParseResolution(q.Get("resolution"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_resolution", "supported resolutions: 1, 5, 15, 30, 60, D")
		return
	}

	bars, err := s.history.ReadRange(r.Context(), symbol,
		time.Unix(fromTS, 0).UTC(), time.Unix(toTS, 0).UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "history_failed", err.Error())
		return
	}

	folded := resample.Fold(bars, width)
	if len(folded) == 0 {
		writeJSON(w, http.StatusOK, udfResponse{Status: "no_data"})
		return
	}

	resp := udfResponse{
		Status:  "ok",
		Times:   make([]int64, 0, len(folded)),
		Opens:   make([]float64, 0, len(folded)),
		Highs:   make([]float64, 0, len(folded)),
		Lows:    make([]float64, 0, len(folded)),
		Closes:  make([]float64, 0, len(folded)),
		Volumes: make([]uint64, 0, len(folded)),
	}
	for _, b := range folded {
		resp.Times = append(resp.Times, b.BucketStart.Unix())
		resp.Opens = append(resp.Opens, b.Open)
		resp.Highs = append(resp.Highs, b.High)
		resp.Lows = append(resp.Lows, b.Low)
		resp.Closes = append(resp.Closes, b.Close)
		resp.Volumes = append(resp.Volumes, b.Volume)
	}
	writeJSON(w, http.StatusOK, resp)
}
