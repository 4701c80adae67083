// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/adiadia/customer-sync/internal/domain"
	"github.com/adiadia/customer-sync/internal/metrics"
	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
)

const (
	readinessTimeout = 2 * time.Second
	maxRequestBody   = 1 << 20
)

var strictJSON = sonic.Config{DisallowUnknownFields: true}.Froze()

type customerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Email string `json:"email"`
}

type Deps struct {
	Customers CustomerStore
	Health    HealthChecker
	Logger    *slog.Logger
	Version   string
	Commit    string
	BuildDate string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	mountOps(r, deps, logger)

	// ---------------- CUSTOMERS ----------------

	r.Route("/customers", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			f, err := filterFromQuery(r)
			if err != nil {
				writeError(w, logger, err, "list customers failed")
				return
			}

			var customers []domain.Customer
			if len(f) == 0 {
				customers, err = deps.Customers.List(r.Context())
			} else {
				customers, err = deps.Customers.Find(r.Context(), f)
			}
			if err != nil {
				writeError(w, logger, err, "list customers failed")
				return
			}

			writeJSON(w, http.StatusOK, map[string]any{
				"customers": customers,
				"count":     len(customers),
			})
		})

		r.Get("/count", func(w http.ResponseWriter, r *http.Request) {
			n, err := deps.Customers.Count(r.Context())
			if err != nil {
				writeError(w, logger, err, "count customers failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]int64{"count": n})
		})

		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			req, err := decodeCustomerRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			created, err := deps.Customers.Add(r.Context(), domain.NewCustomer(req.Name, req.Phone, req.Email))
			if err != nil {
				writeError(w, logger, err, "create customer failed")
				return
			}

			logger.Info("customer created via API", "entity_id", created.EntityID)
			w.Header().Set("Location", "/customers/"+created.EntityID)
			writeJSON(w, http.StatusCreated, created)
		})

		// Bulk delete by filter. An empty filter is rejected rather than
		// treated as delete-all.
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			f, err := filterFromQuery(r)
			if err != nil {
				writeError(w, logger, err, "delete customers failed")
				return
			}
			if len(f) == 0 {
				http.Error(w, "a filter is required", http.StatusBadRequest)
				return
			}

			n, err := deps.Customers.DeleteWhere(r.Context(), f)
			if err != nil {
				var partial *domain.PartialFailureError
				if errors.As(err, &partial) {
					logger.Warn("bulk delete partially applied",
						"matched", partial.Matched,
						"modified", partial.Modified,
					)
					writeJSON(w, http.StatusConflict, map[string]int64{
						"matched":  partial.Matched,
						"modified": partial.Modified,
					})
					return
				}
				writeError(w, logger, err, "delete customers failed")
				return
			}
			writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
		})

		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			c, err := deps.Customers.Get(r.Context(), id)
			if err != nil {
				writeError(w, logger, err, "get customer failed", "entity_id", id)
				return
			}
			writeJSON(w, http.StatusOK, c)
		})

		r.Put("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			req, err := decodeCustomerRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			c := domain.NewCustomer(req.Name, req.Phone, req.Email)
			c.EntityID = id
			updated, err := deps.Customers.Update(r.Context(), c)
			if err != nil {
				writeError(w, logger, err, "update customer failed", "entity_id", id)
				return
			}

			logger.Info("customer updated via API", "entity_id", id)
			writeJSON(w, http.StatusOK, updated)
		})

		r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, "id")
			if _, err := deps.Customers.Delete(r.Context(), id); err != nil {
				writeError(w, logger, err, "delete customer failed", "entity_id", id)
				return
			}

			logger.Info("customer deleted via API", "entity_id", id)
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

// NewOpsRouter serves only the health, readiness, metrics and version
// endpoints. The consumer binaries expose it on their metrics address.
func NewOpsRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	mountOps(r, deps, logger)
	return r
}

func mountOps(r chi.Router, deps Deps, logger *slog.Logger) {
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
			defer cancel()
			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})
}

// writeError maps domain errors onto status codes. Anything unrecognised is
// logged and reported as a 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error, msg string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrValidation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrNotFound):
		http.Error(w, "customer not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrTransientInfra):
		logger.Error(msg, append(attrs, "error", err)...)
		w.Header().Set("Retry-After", "1")
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	default:
		logger.Error(msg, append(attrs, "error", err)...)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body, err := sonic.ConfigStd.Marshal(v)
	if err != nil {
		return
	}
	_, _ = w.Write(append(body, '\n'))
}

func decodeCustomerRequest(r *http.Request) (customerRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return customerRequest{}, errors.New("request body is required")
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return customerRequest{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return customerRequest{}, errors.New("request body is required")
	}

	var req customerRequest
	if err := strictJSON.Unmarshal(body, &req); err != nil {
		return customerRequest{}, err
	}
	return req, nil
}

var filterKeys = []string{"entity_id", "name", "phone", "email"}

func filterFromQuery(r *http.Request) (domain.Filter, error) {
	q := r.URL.Query()
	f := domain.Filter{}
	for key := range q {
		if !slices.Contains(filterKeys, key) {
			return nil, domain.Validation("unknown filter field %q", key)
		}
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			f[key] = v
		}
	}
	return f, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
