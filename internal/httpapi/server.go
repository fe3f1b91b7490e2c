package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quantlab/internal/config"
	"quantlab/internal/domain"
	"quantlab/internal/store"
)

// Server serves stored backtest data as JSON. Any store may be nil, in which
// case its routes answer 404.
type Server struct {
	bars    store.BarStore
	results store.ResultStore
	reports store.ReportStore
	log     *slog.Logger
}

// NewServer creates a Server over the given stores.
func NewServer(bars store.BarStore, results store.ResultStore, reports store.ReportStore, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{bars: bars, results: results, reports: reports, log: log.With("component", "httpapi")}
}

// RegisterRoutes registers all API routes on the given mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/symbols/{market}", s.handleSymbols)
	mux.HandleFunc("GET /api/bars/{market}/{symbol}", s.handleBars)
	mux.HandleFunc("GET /api/results/{run}/{strategy}", s.handleResult)
	mux.HandleFunc("GET /api/reports", s.handleReports)
}

// Handler returns an http.Handler with CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// parseMarket validates the {market} path value.
func parseMarket(r *http.Request) (domain.Market, bool) {
	m := domain.Market(strings.ToLower(r.PathValue("market")))
	return m, m == domain.MarketUS || m == domain.MarketCN
}

// parseRange reads optional start and end query params.
func parseRange(r *http.Request) (start, end time.Time, err error) {
	q := r.URL.Query()
	if v := q.Get("start"); v != "" {
		if start, err = time.Parse(config.DateLayout, v); err != nil {
			return
		}
	}
	if v := q.Get("end"); v != "" {
		end, err = time.Parse(config.DateLayout, v)
	}
	return
}

func (s *Server) handleSymbols(w http.ResponseWriter, r *http.Request) {
	if s.bars == nil {
		writeError(w, http.StatusNotFound, "no bar store configured")
		return
	}
	market, ok := parseMarket(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown market")
		return
	}
	symbols, err := s.bars.ListSymbols(r.Context(), market)
	if err != nil {
		s.log.Error("listing symbols", "market", market, "error", err)
		writeError(w, http.StatusInternalServerError, "listing symbols failed")
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	writeJSON(w, map[string]any{"market": market, "symbols": symbols})
}

func (s *Server) handleBars(w http.ResponseWriter, r *http.Request) {
	if s.bars == nil {
		writeError(w, http.StatusNotFound, "no bar store configured")
		return
	}
	market, ok := parseMarket(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown market")
		return
	}
	start, end, err := parseRange(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "dates must be YYYY-MM-DD")
		return
	}
	symbol := strings.ToUpper(r.PathValue("symbol"))
	bars, err := s.bars.ReadBars(r.Context(), symbol, market, start, end)
	if err != nil {
		s.log.Error("reading bars", "symbol", symbol, "error", err)
		writeError(w, http.StatusInternalServerError, "reading bars failed")
		return
	}
	if len(bars) == 0 {
		writeError(w, http.StatusNotFound, "no bars for "+symbol)
		return
	}
	out := make([]BarJSON, len(bars))
	for i, b := range bars {
		out[i] = barToJSON(b)
	}
	writeJSON(w, map[string]any{"symbol": symbol, "bars": out})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	if s.results == nil {
		writeError(w, http.StatusNotFound, "no result store configured")
		return
	}
	runID, name := r.PathValue("run"), r.PathValue("strategy")
	result, err := s.results.ReadResult(r.Context(), runID, name)
	if errors.Is(err, store.ErrNoData) {
		writeError(w, http.StatusNotFound, "no result for "+runID+"/"+name)
		return
	}
	if err != nil {
		s.log.Error("reading result", "run_id", runID, "strategy", name, "error", err)
		writeError(w, http.StatusBadRequest, "reading result failed")
		return
	}
	writeJSON(w, resultToJSON(runID, result))
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusNotFound, "no report store configured")
		return
	}
	reports, err := s.reports.ListReports(r.Context(), r.URL.Query().Get("run_id"))
	if err != nil {
		s.log.Error("listing reports", "error", err)
		writeError(w, http.StatusInternalServerError, "listing reports failed")
		return
	}
	out := make([]ReportJSON, len(reports))
	for i, rep := range reports {
		out[i] = reportToJSON(rep)
	}
	writeJSON(w, map[string]any{"reports": out})
}
