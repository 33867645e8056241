// Package api exposes search and profile operations over HTTP (chi) and
// as MCP tools.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kalambet/campusconnect/internal/apperr"
	"github.com/kalambet/campusconnect/internal/profile"
	"github.com/kalambet/campusconnect/internal/retrieval"
)

const (
	maxRequestBodySize = 1 << 20 // 1MB
	defaultLimit       = 15
	retryAfterSeconds  = "5"
)

// Searcher runs a program search. Implemented by retrieval.Coordinator.
type Searcher interface {
	Search(ctx context.Context, q retrieval.Query) (retrieval.Result, error)
}

// ProfileService reads, creates and merges profiles. Implemented by
// profile.Manager.
type ProfileService interface {
	View(ctx context.Context, email string) (profile.View, error)
	Create(ctx context.Context, email string) (profile.Document, bool, error)
	Merge(ctx context.Context, email string, candidate profile.Value) (profile.MergeOutcome, error)
}

// Deps holds what the HTTP and MCP surfaces need.
type Deps struct {
	Search   Searcher
	Profiles ProfileService
	// Token enables bearer authentication on /v1 routes when non-empty.
	Token string
	// DefaultLimit applies to searches that omit limit. Zero means 15.
	DefaultLimit int
}

func (d Deps) limit() int {
	if d.DefaultLimit > 0 {
		return d.DefaultLimit
	}
	return defaultLimit
}

// NewHandler returns the HTTP service surface.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/search", handleSearch(deps))
		r.Post("/profiles", handleCreateProfile(deps))
		r.Get("/profiles/{email}", handleGetProfile(deps))
		r.Post("/profiles/{email}/merge", handleMergeProfile(deps))
		r.Post("/profiles/{email}/documents", handleUploadDocument(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// SearchRequest is the body of POST /v1/search.
type SearchRequest struct {
	QueryText  string   `json:"queryText"`
	Limit      *int     `json:"limit"`
	Offset     int      `json:"offset"`
	Threshold  *float64 `json:"threshold"`
	Exhaustive bool     `json:"exhaustive"`
}

func handleSearch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SearchRequest
		if !decodeBody(w, r, maxRequestBodySize, &req) {
			return
		}

		limit := deps.limit()
		if req.Limit != nil {
			limit = *req.Limit
		}
		res, err := deps.Search.Search(r.Context(), retrieval.Query{
			Text:       req.QueryText,
			Limit:      limit,
			Offset:     req.Offset,
			Threshold:  req.Threshold,
			Exhaustive: req.Exhaustive,
		})
		if err != nil {
			writeError(w, "search", err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httpError(w, http.StatusRequestEntityTooLarge, "invalid_request_error", "request body exceeds %d bytes", tooLarge.Limit)
			return false
		}
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

// writeError maps the apperr taxonomy onto status codes.
func writeError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, apperr.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, apperr.ErrConflict):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		slog.Debug(op+" canceled", "error", err)
	case errors.Is(err, apperr.ErrUnavailable):
		slog.Warn(op+" failed, backend unavailable", "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		httpError(w, http.StatusServiceUnavailable, "service_unavailable", "%v", err)
	default:
		slog.Error(op+" failed", "error", err)
		httpError(w, http.StatusInternalServerError, "api_error", "%s failed: %v", op, err)
	}
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
