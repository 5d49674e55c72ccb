package worker

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/actify/reportd/internal/config"
	db "github.com/actify/reportd/internal/db/gorm"
	"github.com/actify/reportd/internal/dedup"
	"github.com/actify/reportd/internal/lifecycle"
	"github.com/actify/reportd/internal/sweeper"
	"github.com/actify/reportd/pkg/models"
)

// sweepCooldown is the minimum gap between manually triggered sweeps.
const sweepCooldown = time.Minute

// Ingestor runs duplicate detection on incoming reports.
type Ingestor interface {
	Ingest(ctx context.Context, sub dedup.Submission) (*models.Disposition, error)
	SimilarImages(ctx context.Context, photo []byte, limit int) ([]dedup.SimilarPhoto, error)
}

// Lifecycle mutates reports after ingestion.
type Lifecycle interface {
	SubmitFeedback(ctx context.Context, reportID, userID string, kind models.FeedbackKind, comment string) (*lifecycle.FeedbackResult, error)
	CancelDeletion(ctx context.Context, reportID string) error
	Merge(ctx context.Context, targetID, sourceID string) error
	Upvote(ctx context.Context, reportID, userID string) (*models.Report, error)
	UpdateStatus(ctx context.Context, reportID string, status models.Status, cascade bool) (int64, error)
}

// Queries is the read-side persistence surface.
type Queries interface {
	GetReport(ctx context.Context, id string) (*models.Report, error)
	List(ctx context.Context, f db.ListFilter) ([]*models.Report, error)
	DuplicatesOf(ctx context.Context, id string) ([]*models.Report, error)
	DuplicateStatistics(ctx context.Context) (*db.DuplicateStats, error)
	DeletionStatistics(ctx context.Context) (*db.DeletionStats, error)
}

// Sweep exposes the deletion sweeper to the admin surface.
type Sweep interface {
	RunNow(ctx context.Context) sweeper.Result
	Stats() map[string]any
}

// PhotoReader serves stored photo bytes.
type PhotoReader interface {
	Open(name string) ([]byte, error)
}

// Service is the HTTP service orchestrator.
type Service struct {
	version string
	config  config.Config
	log     zerolog.Logger

	engine    Ingestor
	lifecycle Lifecycle
	queries   Queries
	sweeper   Sweep
	photos    PhotoReader
	dbPing    func() error

	router       *chi.Mux
	server       *http.Server
	ingestLimit  *PerClientRateLimiter
	sweepLimiter *OperationCooldown
	startTime    time.Time
}

// Deps bundles the service collaborators.
type Deps struct {
	Engine    Ingestor
	Lifecycle Lifecycle
	Queries   Queries
	Sweeper   Sweep
	Photos    PhotoReader
	DBPing    func() error
}

// NewService wires the router and handlers.
func NewService(version string, cfg config.Config, deps Deps, log zerolog.Logger) *Service {
	svc := &Service{
		version:      version,
		config:       cfg,
		log:          log.With().Str("component", "worker").Logger(),
		engine:       deps.Engine,
		lifecycle:    deps.Lifecycle,
		queries:      deps.Queries,
		sweeper:      deps.Sweeper,
		photos:       deps.Photos,
		dbPing:       deps.DBPing,
		router:       chi.NewRouter(),
		ingestLimit:  NewPerClientRateLimiter(float64(cfg.IngestRatePerMin)/60.0, cfg.IngestBurst),
		sweepLimiter: NewOperationCooldown(sweepCooldown),
		startTime:    time.Now(),
	}
	svc.setupMiddleware()
	svc.setupRoutes()
	return svc
}

// Router exposes the handler tree. Test entry point.
func (s *Service) Router() http.Handler {
	return s.router
}

func (s *Service) setupMiddleware() {
	s.router.Use(RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(RequestLogger(s.log))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.config.RequestTimeout))
	s.router.Use(SecurityHeaders)
	s.router.Use(MaxBodySize(s.config.MaxBodyBytes))
}

func (s *Service) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/photos/{name}", s.handlePhoto)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.With(PerClientRateLimitMiddleware(s.ingestLimit)).
			Post("/reports", s.handleIngest)

		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{id}", s.handleGetReport)
		r.Get("/reports/{id}/duplicates", s.handleDuplicatesOf)
		r.Get("/reports/{id}/feedback", s.handleFeedbackSummary)
		r.Post("/reports/{id}/feedback", s.handleSubmitFeedback)
		r.Post("/reports/{id}/upvote", s.handleUpvote)
		r.Patch("/reports/{id}/status", s.handleUpdateStatus)
		r.Post("/similar-images", s.handleSimilarImages)
		r.Get("/statistics/duplicates", s.handleDuplicateStatistics)

		r.Route("/admin", func(ar chi.Router) {
			ar.Use(AdminAuth(s.config.AdminToken))
			ar.Post("/merge", s.handleMerge)
			ar.Post("/reports/{id}/cancel-deletion", s.handleCancelDeletion)
			ar.Post("/sweep", s.handleTriggerSweep)
			ar.Get("/statistics/deletions", s.handleDeletionStatistics)
		})
	})
}

// Start runs the HTTP server. Blocks until the server exits.
func (s *Service) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.router,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Int("port", s.config.Port).Msg("http server starting")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Service) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
