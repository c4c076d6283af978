// Package api serves the read side of the pipeline over plain HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/basewatch/indexer/internal/database"
	"github.com/basewatch/indexer/internal/registry"
)

// Resolver is the registry surface the API needs for address lookups and
// the operator kill switch.
type Resolver interface {
	Resolve(ctx context.Context, address string) (*database.Token, error)
	MarkDead(ctx context.Context, address, reason string) (bool, error)
}

type Server struct {
	mux      *http.ServeMux
	db       *pgxpool.Pool
	resolver Resolver
	chain    string
	logger   zerolog.Logger
}

func NewServer(db *pgxpool.Pool, resolver Resolver, chain string, logger zerolog.Logger) *Server {
	s := &Server{
		mux:      http.NewServeMux(),
		db:       db,
		resolver: resolver,
		chain:    chain,
		logger:   logger.With().Str("component", "api").Logger(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Start(ctx context.Context, addr string) error {
	s.logger.Info().Str("addr", addr).Msg("Starting API server")
	server := &http.Server{
		Addr:    addr,
		Handler: s.logMiddleware(s.mux),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.logger.Info().Msg("Shutting down API server...")
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		if err := s.db.Ping(r.Context()); err != nil {
			status = "degraded"
		}
		JSON(w, http.StatusOK, map[string]any{
			"status":    status,
			"timestamp": time.Now().UTC(),
		}, nil)
	})

	s.mux.HandleFunc("/tokens", s.handleTokens)
	s.mux.HandleFunc("/tokens/", s.handleTokenPrefix)
	s.mux.HandleFunc("/stats", s.handleOverview)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("latency", time.Since(start)).
			Msg("http")
	})
}

// handleTokens serves the filtered token lists
func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	ctx := r.Context()
	page, perPage := parsePagination(r)
	search := strings.TrimSpace(r.URL.Query().Get("search"))
	filter := database.Filter(r.URL.Query().Get("filter"))
	if filter == "" {
		filter = database.FilterNew
	}

	// a full address search is an exact lookup, resolving on miss
	if search != "" && database.IsAddressQuery(search) {
		s.lookupByAddress(ctx, w, search)
		return
	}

	// fetch enough rows for the requested page plus one lookahead
	fetch := page * perPage * 2
	if fetch < 100 {
		fetch = 100
	}

	var (
		items []database.TokenDTO
		err   error
	)
	switch filter {
	case database.FilterNew:
		items, err = database.ListNew(ctx, s.db, s.chain, fetch, search)
	case database.FilterTrending:
		items, err = database.ListTrending(ctx, s.db, s.chain, fetch, search)
	case database.FilterGainers:
		items, err = database.ListMovers(ctx, s.db, s.chain, true, 50, search)
	case database.FilterLosers:
		items, err = database.ListMovers(ctx, s.db, s.chain, false, 50, search)
	case database.FilterPending:
		items, err = database.ListPending(ctx, s.db, s.chain, fetch, search)
	default:
		Error(w, http.StatusBadRequest, "unknown filter")
		return
	}
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	pageItems, pg := pageSlice(items, page, perPage)
	JSON(w, http.StatusOK, pageItems, pg)
}

func (s *Server) lookupByAddress(ctx context.Context, w http.ResponseWriter, address string) {
	token, err := database.GetTokenDTO(ctx, s.db, s.chain, address)
	if err == nil {
		JSON(w, http.StatusOK, []database.TokenDTO{*token}, nil)
		return
	}
	if !errors.Is(err, database.ErrNotFound) {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	if _, err := s.resolver.Resolve(ctx, address); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			JSON(w, http.StatusOK, []database.TokenDTO{}, nil)
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}

	token, err = database.GetTokenDTO(ctx, s.db, s.chain, address)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, []database.TokenDTO{*token}, nil)
}

// handleTokenPrefix dispatches /tokens/resolve, /tokens/{address},
// /tokens/{address}/history and /tokens/{address}/dead
func (s *Server) handleTokenPrefix(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/tokens/")

	if rest == "resolve" {
		s.handleResolve(w, r)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	address := strings.ToLower(parts[0])
	if !database.IsAddressQuery(address) {
		Error(w, http.StatusBadRequest, "invalid address")
		return
	}

	if len(parts) == 1 {
		s.handleTokenDetail(w, r, address)
		return
	}

	switch parts[1] {
	case "history":
		s.handleTokenHistory(w, r, address)
	case "dead":
		s.handleMarkDead(w, r, address)
	default:
		Error(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleTokenDetail(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token, err := database.GetTokenDTO(r.Context(), s.db, s.chain, address)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			Error(w, http.StatusNotFound, "token not found")
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, token, nil)
}

func (s *Server) handleTokenHistory(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	limit := 288 // a day of 5-minute samples
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	points, err := database.ListHistory(r.Context(), s.db, address, limit)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, points, nil)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !database.IsAddressQuery(body.Address) {
		Error(w, http.StatusBadRequest, "invalid address")
		return
	}

	token, err := s.resolver.Resolve(r.Context(), body.Address)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			Error(w, http.StatusNotFound, "token not found")
			return
		}
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, token, nil)
}

// handleMarkDead is the operator override; it is the only path that ever
// sets the dead stage.
func (s *Server) handleMarkDead(w http.ResponseWriter, r *http.Request, address string) {
	if r.Method != http.MethodPost {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		Error(w, http.StatusBadRequest, "invalid body")
		return
	}
	if body.Reason == "" {
		body.Reason = "operator override"
	}

	changed, err := s.resolver.MarkDead(r.Context(), address, body.Reason)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"address": address,
		"changed": changed,
	}, nil)
}

func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		Error(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	overview, err := database.GetOverview(r.Context(), s.db, s.chain)
	if err != nil {
		Error(w, http.StatusInternalServerError, err.Error())
		return
	}
	JSON(w, http.StatusOK, overview, nil)
}
