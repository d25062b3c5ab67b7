package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"rating-engine/server/domain"
	"rating-engine/server/metrics"
	"rating-engine/server/ratings"
	"rating-engine/server/recalc"
)

const (
	defaultHistoryLimit     = 50
	defaultLeaderboardLimit = 100
	maxBodyBytes            = 1 << 20
	requestTimeout          = 10 * time.Second
)

// Router mounts the JSON API and, when m is non-nil, the /metrics endpoint.
func Router(svc *ratings.Service, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := svc.Health(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(requestTimeout))

		r.Post("/matches/settle", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Player1ID string `json:"player1_id"`
				Player2ID string `json:"player2_id"`
				MatchID   string `json:"match_id"`
				Result    string `json:"result"`
			}
			if err := decodeBody(r, &req); err != nil {
				writeError(w, err)
				return
			}
			outcome, err := domain.ParseOutcome(req.Result)
			if err != nil {
				writeError(w, err)
				return
			}
			if req.MatchID == "" {
				req.MatchID = uuid.NewString()
			}
			res, err := svc.Settle(r.Context(), req.Player1ID, req.Player2ID, req.MatchID, outcome)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Post("/players", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				UserID      string `json:"user_id"`
				DisplayName string `json:"display_name"`
			}
			if err := decodeBody(r, &req); err != nil {
				writeError(w, err)
				return
			}
			p, err := svc.RegisterPlayer(r.Context(), req.UserID, req.DisplayName)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusCreated, p)
		})

		r.Get("/players/{id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := svc.GetProfile(r.Context(), chi.URLParam(r, "id"))
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, p)
		})

		r.Delete("/players/{id}", func(w http.ResponseWriter, r *http.Request) {
			if err := svc.DeactivatePlayer(r.Context(), chi.URLParam(r, "id")); err != nil {
				writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})

		r.Get("/players/{id}/history", func(w http.ResponseWriter, r *http.Request) {
			limit, err := queryInt(r, "limit", defaultHistoryLimit)
			if err != nil {
				writeError(w, err)
				return
			}
			offset, err := queryInt(r, "offset", 0)
			if err != nil {
				writeError(w, err)
				return
			}
			rows, err := svc.GetHistory(r.Context(), chi.URLParam(r, "id"), limit, offset)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
		})

		r.Post("/players/{id}/recalculate", func(w http.ResponseWriter, r *http.Request) {
			dryRun, err := queryBool(r, "dry_run")
			if err != nil {
				writeError(w, err)
				return
			}
			res, err := svc.Recalculate(r.Context(), chi.URLParam(r, "id"), dryRun)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, res)
		})

		r.Get("/leaderboard", func(w http.ResponseWriter, r *http.Request) {
			limit, err := queryInt(r, "limit", defaultLeaderboardLimit)
			if err != nil {
				writeError(w, err)
				return
			}
			rows, err := svc.GetLeaderboard(r.Context(), limit)
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
		})
	})

	// Batch runs can outlast the API timeout.
	r.Post("/api/admin/recalculate", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			After  string `json:"after"`
			DryRun bool   `json:"dry_run"`
			Limit  int    `json:"limit"`
		}
		if err := decodeBody(r, &req); err != nil {
			writeError(w, err)
			return
		}
		if req.Limit < 0 {
			writeError(w, domain.NewInvalidArgument("limit must be >= 0, got %d", req.Limit))
			return
		}
		sum, err := svc.RecalculateAll(r.Context(), recalc.Options{After: req.After, DryRun: req.DryRun, Limit: req.Limit})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	if m != nil {
		r.Handle("/metrics", m.Handler())
	}
	return r
}

// decodeBody reads a JSON object. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return domain.NewInvalidArgument("bad request body: %v", err)
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	s := strings.TrimSpace(r.URL.Query().Get(key))
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, domain.NewInvalidArgument("%s must be an integer, got %q", key, s)
	}
	return n, nil
}

func queryBool(r *http.Request, key string) (bool, error) {
	s := strings.TrimSpace(r.URL.Query().Get(key))
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, domain.NewInvalidArgument("%s must be a boolean, got %q", key, s)
	}
	return b, nil
}

// statusOf maps engine error codes onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	switch domain.CodeOf(err) {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	code := string(domain.CodeOf(err))
	msg := err.Error()
	var de *domain.Error
	if errors.As(err, &de) {
		msg = de.Message
	}
	if status == http.StatusInternalServerError {
		// store errors can carry driver detail
		msg = "internal error"
	}
	writeJSON(w, status, map[string]any{"error": code, "message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
