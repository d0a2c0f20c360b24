// Package api implements the versioned HTTP surface (spec.md §6.1): a
// chi router wiring every component's service layer behind request
// middleware for tenant/correlation-ID propagation and RFC 7807 error
// responses.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/anumate/orchestrator/internal/apperr"
	"github.com/anumate/orchestrator/internal/infra"
)

// tenantCorrelation attaches X-Tenant-ID and X-Correlation-ID (standard
// headers, spec.md §6.1) to the request context, generating a correlation
// ID when the caller doesn't supply one.
func tenantCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID := r.Header.Get("X-Tenant-ID")
		if tenantID == "" {
			writeProblem(w, r, apperr.Validation("missing_tenant_id", "X-Tenant-ID header is required"))
			return
		}

		correlationID := r.Header.Get("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.NewString()
		}

		ctx := infra.WithTenantID(r.Context(), tenantID)
		ctx = infra.WithCorrelationID(ctx, correlationID)

		w.Header().Set("X-Correlation-ID", correlationID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// problem is an RFC 7807 "application/problem+json" body (spec.md §6.1).
type problem struct {
	Type          string `json:"type"`
	Title         string `json:"title"`
	Status        int    `json:"status"`
	Detail        string `json:"detail"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// statusForKind maps the closed apperr.Kind taxonomy to HTTP status codes,
// per the error table in spec.md §6.1/§7.
func statusForKind(k apperr.Kind) int {
	switch k {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusUnauthorized
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindDenied:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeProblem writes err as an RFC 7807 problem response, deriving status
// from its apperr.Kind and carrying the request's correlation ID.
func writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	code := apperr.CodeOf(err)
	status := statusForKind(kind)

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem{
		Type:          "https://anumate.dev/errors/" + code,
		Title:         string(kind),
		Status:        status,
		Detail:        err.Error(),
		CorrelationID: infra.CorrelationID(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validation("malformed_body", "request body is not valid JSON")
	}
	return nil
}

func urlParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

// baseMiddleware installs the infrastructure middleware every route needs:
// RequestID, RealIP and Recoverer (no request-logging middleware is
// installed), plus this service's own tenant/correlation propagation.
func baseMiddleware(r chi.Router) {
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(tenantCorrelation)
}
