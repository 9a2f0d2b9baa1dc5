// Package api is the JSON relay the UI hook layer talks to: ranked routes
// for a pair, FX rates, and a health probe.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/you/dex-aggregator/internal/aggregator"
	"github.com/you/dex-aggregator/internal/dex/core"
	"github.com/you/dex-aggregator/internal/execution"
	"github.com/you/dex-aggregator/internal/fx"
	"github.com/you/dex-aggregator/internal/signer"
	"github.com/you/dex-aggregator/internal/token"
)

// BestRoutePublisher receives the winning route of each aggregation.
// Implemented by routefeed.Publisher.
type BestRoutePublisher interface {
	PublishBest(ctx context.Context, tokenIn, tokenOut string, best core.Route) error
}

// SwapExecutor runs the execution state machine for a selected route.
// Implemented by execution.Executor.
type SwapExecutor interface {
	Execute(ctx context.Context, selected core.Route, slippagePct float64, sig signer.Signer) (*execution.Result, error)
}

type Server struct {
	log  *zap.Logger
	agg  *aggregator.Aggregator
	reg  *token.Registry
	fx   *fx.Engine
	pub  BestRoutePublisher
	exec SwapExecutor
	sig  signer.Signer

	hub     string
	venues  []core.VenueID
	timeout time.Duration
}

func NewServer(log *zap.Logger, agg *aggregator.Aggregator, reg *token.Registry, fxe *fx.Engine, hub string, venues []core.VenueID, timeout time.Duration) *Server {
	return &Server{log: log, agg: agg, reg: reg, fx: fxe, hub: hub, venues: venues, timeout: timeout}
}

func (s *Server) SetPublisher(p BestRoutePublisher) { s.pub = p }

// SetExecutor arms the execute endpoint. Left unset the endpoint reports
// execution disabled, which is the dry-run and quote-only posture.
func (s *Server) SetExecutor(e SwapExecutor, sig signer.Signer) { s.exec, s.sig = e, sig }

// Handler builds the full route table, CORS included.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/routes", s.handleRoutes)
	mux.HandleFunc("/api/execute", s.handleExecute)
	mux.HandleFunc("/api/fx/rate", s.handleFxRate)
	mux.HandleFunc("/api/fx/output", s.handleFxOutput)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return withCORS(mux)
}

func (s *Server) Start(ctx context.Context, addr string) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 3 * time.Second,
	}

	go func() { <-ctx.Done(); _ = srv.Close() }()

	go func() {
		s.log.Info("api server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("api server error", zap.Error(err))
		}
	}()
}

// GET /api/routes?in=<tokenId>&out=<tokenId>&amount=<decimal>
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	inID, outID, amount := q.Get("in"), q.Get("out"), q.Get("amount")
	if inID == "" || outID == "" || amount == "" {
		writeError(w, http.StatusBadRequest, "in, out and amount are required")
		return
	}
	tokenIn, ok := s.reg.Get(inID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown token "+inID)
		return
	}
	tokenOut, ok := s.reg.Get(outID)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown token "+outID)
		return
	}

	venues := s.venues
	if vs := q.Get("venues"); vs != "" {
		venues = venues[:0:0]
		for _, v := range strings.Split(vs, ",") {
			venues = append(venues, core.VenueID(strings.TrimSpace(v)))
		}
	}

	routes, err := s.agg.Aggregate(r.Context(), tokenIn, tokenOut, amount, venues, s.timeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	if s.pub != nil && len(routes) > 0 {
		best := routes[0]
		go func() {
			pctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.pub.PublishBest(pctx, inID, outID, best); err != nil {
				s.log.Warn("publish best route", zap.Error(err))
			}
		}()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"routes": routes})
}

// POST /api/execute {"in","out","amount","venue","slippagePct"}: aggregate,
// select the requested venue's route (best-ranked when venue is empty) and
// run the execution state machine.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "POST required")
		return
	}
	if s.exec == nil || s.sig == nil {
		writeError(w, http.StatusServiceUnavailable, "execution disabled")
		return
	}

	var req struct {
		In          string  `json:"in"`
		Out         string  `json:"out"`
		Amount      string  `json:"amount"`
		Venue       string  `json:"venue"`
		SlippagePct float64 `json:"slippagePct"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request body")
		return
	}
	if req.In == "" || req.Out == "" || req.Amount == "" {
		writeError(w, http.StatusBadRequest, "in, out and amount are required")
		return
	}
	tokenIn, ok := s.reg.Get(req.In)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown token "+req.In)
		return
	}
	tokenOut, ok := s.reg.Get(req.Out)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown token "+req.Out)
		return
	}

	routes, err := s.agg.Aggregate(r.Context(), tokenIn, tokenOut, req.Amount, s.venues, s.timeout)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	var selected *core.Route
	for i := range routes {
		if req.Venue == "" || routes[i].Venue == core.VenueID(req.Venue) {
			selected = &routes[i]
			break
		}
	}
	if selected == nil {
		writeError(w, http.StatusBadGateway, "no route for pair")
		return
	}

	res, err := s.exec.Execute(r.Context(), *selected, req.SlippagePct, s.sig)
	if err != nil {
		s.log.Warn("execute failed",
			zap.String("venue", string(selected.Venue)), zap.Error(err))
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"venue":     selected.Venue,
		"txHashes":  res.TxHashes,
		"amountOut": res.AmountOut,
		"minOut":    res.MinOut,
	})
}

// GET /api/fx/rate?from=<currency>&to=<currency>
func (s *Server) handleFxRate(w http.ResponseWriter, r *http.Request) {
	if s.fx == nil {
		writeError(w, http.StatusNotFound, "fx engine disabled")
		return
	}
	q := r.URL.Query()
	from, to := q.Get("from"), q.Get("to")
	if from == "" || to == "" {
		writeError(w, http.StatusBadRequest, "from and to are required")
		return
	}

	multi, err := s.fx.NeedsMultiHop(r.Context(), from, to)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	rate, err := s.fx.GetExchangeRate(r.Context(), from, to)
	if err != nil {
		if multi {
			// No direct pool by definition; report the composite rate.
			r1, err1 := s.fx.GetExchangeRate(r.Context(), from, s.hub)
			r2, err2 := s.fx.GetExchangeRate(r.Context(), s.hub, to)
			if err1 != nil || err2 != nil {
				writeError(w, http.StatusBadGateway, "no route for pair")
				return
			}
			rate = r1 * r2
		} else {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from": from, "to": to, "rate": rate, "multiHop": multi,
	})
}

// GET /api/fx/output?from=&to=&amount=
func (s *Server) handleFxOutput(w http.ResponseWriter, r *http.Request) {
	if s.fx == nil {
		writeError(w, http.StatusNotFound, "fx engine disabled")
		return
	}
	q := r.URL.Query()
	from, to, amount := q.Get("from"), q.Get("to"), q.Get("amount")
	if from == "" || to == "" || amount == "" {
		writeError(w, http.StatusBadRequest, "from, to and amount are required")
		return
	}
	out, err := s.fx.CalculateSwapOutput(r.Context(), from, to, amount)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"from": from, "to": to, "amountIn": amount, "amountOut": out,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
