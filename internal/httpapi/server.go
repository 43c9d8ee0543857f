// Package httpapi serves a read-only view of the engine over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"simtrader/internal/engine"
	"simtrader/internal/order"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// Engine is the read side of the engine.
type Engine interface {
	GetOrderState(ctx context.Context, clientOrderID string) (order.State, bool)
	SnapshotBalances() []engine.Balance
	Price() float64
	PendingCount() int
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type PriceResponse struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
	Priced  bool   `json:"priced"`
}

// Server handles the REST query API.
type Server struct {
	engine  Engine
	symbol  string
	origins []string
	router  *mux.Router
	logger  *zap.Logger
}

func NewServer(eng Engine, symbol string, allowedOrigins []string, logger *zap.Logger) *Server {
	s := &Server{
		engine:  eng,
		symbol:  symbol,
		origins: allowedOrigins,
		router:  mux.NewRouter(),
		logger:  logger,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/balances", s.handleGetBalances).Methods("GET")
	api.HandleFunc("/price", s.handleGetPrice).Methods("GET")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Handler returns the router wrapped in CORS handling.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleGetBalances(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, s.engine.SnapshotBalances())
}

func (s *Server) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, PriceResponse{Symbol: s.symbol, Price: s.engine.Price()})
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	st, ok := s.engine.GetOrderState(r.Context(), id)
	if !ok {
		respondError(w, http.StatusNotFound, order.ReasonUnknownOrder, id)
		return
	}
	respondJSON(w, st)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, HealthResponse{
		Status:  "ok",
		Pending: s.engine.PendingCount(),
		Priced:  s.engine.Price() > 0,
	})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Message: message,
	})
}
