package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	apperrors "github.com/wallet-insights/internal/errors"
	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/metrics"
	"github.com/wallet-insights/internal/privacy"
)

// Caller identity headers, set by the authenticating gateway in front of the API.
const (
	HeaderProjectID = "X-Project-ID"
	HeaderBuyerID   = "X-Buyer-ID"
	HeaderRequestID = "X-Request-ID"
)

// RequestContextMiddleware attaches a request-scoped logger, logs the
// request and records it in the API metrics.
func RequestContextMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, requestID)

		logger := logging.GetGlobalLogger().WithFields(map[string]interface{}{
			"request_id": requestID,
			"method":     r.Method,
			"path":       r.URL.Path,
		})
		r = r.WithContext(logging.WithLogger(r.Context(), logger))

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()

		logger.WithFields(map[string]interface{}{
			"status":   wrapped.statusCode,
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	})
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// RecoveryMiddleware recovers from panics and returns 500 error.
func RecoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logging.FromContext(r.Context()).WithField("panic", rec).Error("Recovered from panic")
				respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An internal server error occurred", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware adds CORS headers to responses.
func CORSMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Project-ID, X-Buyer-ID, X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type callerKey struct{}

// caller is the identity a request acts as
type caller struct {
	projectID string
	buyerID   string
}

func (c caller) isBuyer() bool { return c.buyerID != "" }

// rateKey groups requests for rate limiting
func (c caller) rateKey(r *http.Request) string {
	switch {
	case c.buyerID != "":
		return "buyer:" + c.buyerID
	case c.projectID != "":
		return "project:" + c.projectID
	default:
		return "ip:" + r.RemoteAddr
	}
}

func callerFromHeaders(r *http.Request) caller {
	return caller{
		projectID: r.Header.Get(HeaderProjectID),
		buyerID:   r.Header.Get(HeaderBuyerID),
	}
}

func withCaller(ctx context.Context, c caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

func callerFrom(r *http.Request) caller {
	if c, ok := r.Context().Value(callerKey{}).(caller); ok {
		return c
	}
	return callerFromHeaders(r)
}

// projectAccessor resolves who reads a project's data. A buyer header wins
// over a project header; an owning context must match the project.
func projectAccessor(r *http.Request, projectID string) (privacy.Accessor, error) {
	c := callerFrom(r)
	switch {
	case c.isBuyer():
		return privacy.Buyer(c.buyerID), nil
	case c.projectID == "":
		return privacy.Accessor{}, apperrors.NewUnauthorizedError("caller identity required")
	case c.projectID != projectID:
		return privacy.Accessor{}, apperrors.NewPrivacyViolationError("project:" + projectID)
	default:
		return privacy.Owner(projectID), nil
	}
}

// requireOwner rejects anything but the owning project's context
func requireOwner(r *http.Request, projectID string) error {
	acc, err := projectAccessor(r, projectID)
	if err != nil {
		return err
	}
	if !acc.IsOwnerOf(projectID) {
		return apperrors.NewPrivacyViolationError("project:" + projectID)
	}
	return nil
}

// requireProjectCaller requires some owning project context
func requireProjectCaller(r *http.Request) (string, error) {
	c := callerFrom(r)
	if c.isBuyer() {
		return "", apperrors.NewPrivacyViolationError("")
	}
	if c.projectID == "" {
		return "", apperrors.NewUnauthorizedError("caller identity required")
	}
	return c.projectID, nil
}
