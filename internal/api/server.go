// Package api provides the HTTP API server implementation.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wallet-insights/internal/logging"
	"github.com/wallet-insights/internal/models"
	"github.com/wallet-insights/internal/privacy"
	"github.com/wallet-insights/internal/service"
	"github.com/wallet-insights/internal/types"
)

// Service interfaces for dependency injection and testing

// AdoptionService defines the adoption funnel operations
type AdoptionService interface {
	Initialize(ctx context.Context, walletID string) error
	UpdateStages(ctx context.Context, walletID string) ([]types.StageName, error)
	GetStatus(ctx context.Context, walletID string) (*models.StageStatus, error)
	GetProjectFunnel(ctx context.Context, projectID string) (*models.ProjectFunnel, error)
}

// CohortService defines the cohort operations
type CohortService interface {
	Assign(ctx context.Context, walletID string) ([]service.CohortAssignment, error)
	ProcessUnassigned(ctx context.Context) (*types.BatchResult, error)
	CreateForRange(ctx context.Context, start, end time.Time, cohortType types.CohortType) (*service.CohortRangeResult, error)
	GetCohort(ctx context.Context, id string) (*models.CohortDetail, error)
	ListCohorts(ctx context.Context, cohortType types.CohortType, limit int) ([]*models.WalletCohort, error)
	GetStatistics(ctx context.Context) (*models.CohortStatistics, error)
}

// ProductivityService defines the scoring operations
type ProductivityService interface {
	Recompute(ctx context.Context, walletID string) (*models.ProductivityScore, error)
	RecomputeProject(ctx context.Context, projectID string) (*types.BatchResult, error)
	GetProjectSummary(ctx context.Context, projectID string) (*models.ProductivitySummary, error)
}

// CorrelationService defines the behaviour/retention analysis operations
type CorrelationService interface {
	AnalyzeByType(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error)
	AnalyzeByDiversity(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error)
	AnalyzeByVolume(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error)
	AnalyzeByFrequency(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.CorrelationResult, error)
	GenerateInsights(ctx context.Context, projectID string, opts service.CorrelationOptions) (*service.InsightReport, error)
}

// ConversionService defines the funnel conversion operations
type ConversionService interface {
	CalculateConversions(ctx context.Context, projectID string, opts service.ConversionOptions) ([]service.StageConversion, error)
	IdentifyDropoffs(ctx context.Context, projectID string, opts service.ConversionOptions) ([]service.DropOff, error)
	GenerateReport(ctx context.Context, projectID string, opts service.ConversionOptions) (*service.ConversionReport, error)
}

// PrivacyService defines privacy mode and grant operations
type PrivacyService interface {
	ChangeMode(ctx context.Context, walletID string, to types.PrivacyMode, setupConfirmed bool) (*models.PrivacyPreference, error)
	CheckAccess(ctx context.Context, buyerID, walletID string) (*privacy.AccessDecision, error)
	CreateGrant(ctx context.Context, buyerID, walletID, projectID string, duration time.Duration) (*models.DataAccessGrant, error)
	RevokeGrant(ctx context.Context, grantID, projectID string) error
}

// DashboardService defines the dashboard views
type DashboardService interface {
	GetDashboard(ctx context.Context, projectID string, accessor privacy.Accessor) (*service.Dashboard, error)
	GetTimeseries(ctx context.Context, projectID string, accessor privacy.Accessor, granularity string, days int) (*service.Timeseries, error)
	Export(ctx context.Context, projectID string, accessor privacy.Accessor, format string) ([]byte, string, error)
	ClearCache(ctx context.Context, projectID string) error
}

// IngestionService defines on-demand sync
type IngestionService interface {
	SyncWallet(ctx context.Context, walletID string) (*service.SyncResult, error)
	SyncProject(ctx context.Context, projectID string) (*types.BatchResult, error)
}

// WalletReader resolves a wallet's owning project
type WalletReader interface {
	GetByID(ctx context.Context, id string) (*models.Wallet, error)
}

// ReportReader returns a project's pre-generated owner report, if any
type ReportReader interface {
	CachedReport(ctx context.Context, projectID string) (*service.ConversionReport, bool)
}

// HealthChecker is a dependency reported by /health
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Services bundles the collaborators of the API server. Ingestion, Reports
// and Health are optional.
type Services struct {
	Adoption     AdoptionService
	Cohorts      CohortService
	Productivity ProductivityService
	Correlation  CorrelationService
	Conversion   ConversionService
	Privacy      PrivacyService
	Dashboard    DashboardService
	Ingestion    IngestionService
	Wallets      WalletReader
	Reports      ReportReader
	Health       map[string]HealthChecker
}

// Server represents the HTTP API server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	services   *Services
	config     *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	RequestsPerMinute int
	Burst             int
}

// NewServer creates a new API server instance.
func NewServer(config *ServerConfig, services *Services) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		services: services,
		config:   config,
	}

	s.setupRouter()

	return s
}

// Handler returns the root handler, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerMinute, s.config.Burst)

	// Order matters: request ids and recovery wrap everything else.
	s.router.Use(RequestContextMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()

	// Wallet endpoints (owning project only)
	api.HandleFunc("/wallets/{id}/stages", s.handleGetStageStatus).Methods("GET")
	api.HandleFunc("/wallets/{id}/stages/initialize", s.handleInitializeStages).Methods("POST")
	api.HandleFunc("/wallets/{id}/stages/update", s.handleUpdateStages).Methods("POST")
	api.HandleFunc("/wallets/{id}/cohorts", s.handleAssignCohorts).Methods("POST")
	api.HandleFunc("/wallets/{id}/score", s.handleRecomputeScore).Methods("POST")
	api.HandleFunc("/wallets/{id}/sync", s.handleSyncWallet).Methods("POST")
	api.HandleFunc("/wallets/{id}/privacy", s.handleChangePrivacyMode).Methods("PUT")

	// Project endpoints
	api.HandleFunc("/projects/{id}/funnel", s.handleGetFunnel).Methods("GET")
	api.HandleFunc("/projects/{id}/productivity", s.handleGetProductivitySummary).Methods("GET")
	api.HandleFunc("/projects/{id}/productivity/recompute", s.handleRecomputeProject).Methods("POST")
	api.HandleFunc("/projects/{id}/correlations/{dimension}", s.handleCorrelation).Methods("GET")
	api.HandleFunc("/projects/{id}/insights", s.handleInsights).Methods("GET")
	api.HandleFunc("/projects/{id}/conversions", s.handleConversions).Methods("GET")
	api.HandleFunc("/projects/{id}/dropoffs", s.handleDropoffs).Methods("GET")
	api.HandleFunc("/projects/{id}/report", s.handleReport).Methods("GET")
	api.HandleFunc("/projects/{id}/dashboard", s.handleGetDashboard).Methods("GET")
	api.HandleFunc("/projects/{id}/timeseries", s.handleGetTimeseries).Methods("GET")
	api.HandleFunc("/projects/{id}/export", s.handleExport).Methods("GET")
	api.HandleFunc("/projects/{id}/cache", s.handleClearCache).Methods("DELETE")
	api.HandleFunc("/projects/{id}/sync", s.handleSyncProject).Methods("POST")

	// Cohort endpoints
	api.HandleFunc("/cohorts", s.handleListCohorts).Methods("GET")
	api.HandleFunc("/cohorts/statistics", s.handleCohortStatistics).Methods("GET")
	api.HandleFunc("/cohorts/process-unassigned", s.handleProcessUnassigned).Methods("POST")
	api.HandleFunc("/cohorts/range", s.handleCreateCohortRange).Methods("POST")
	api.HandleFunc("/cohorts/{id}", s.handleGetCohort).Methods("GET")

	// Privacy endpoints
	api.HandleFunc("/privacy/anonymize", s.handleAnonymize).Methods("POST")
	api.HandleFunc("/privacy/transitions/validate", s.handleValidateTransition).Methods("POST")
	api.HandleFunc("/privacy/access", s.handleCheckAccess).Methods("GET")
	api.HandleFunc("/grants", s.handleCreateGrant).Methods("POST")
	api.HandleFunc("/grants/{id}", s.handleRevokeGrant).Methods("DELETE")
}

// handleHealth reports the state of every registered dependency
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	code := http.StatusOK
	deps := make(map[string]string, len(s.services.Health))
	for name, checker := range s.services.Health {
		if err := checker.Ping(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		deps[name] = "ok"
	}

	respondJSON(w, code, map[string]interface{}{
		"status":       status,
		"service":      "wallet-insights",
		"dependencies": deps,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.Infof("Starting API server on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}
