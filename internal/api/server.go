package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/auth"
	"github.com/david/grant-sync/internal/db"
	"github.com/david/grant-sync/internal/match"
	"github.com/david/grant-sync/internal/models"
	"github.com/david/grant-sync/internal/quality"
	"github.com/david/grant-sync/internal/scheduler"
)

// Repository is the read side of the grant store used by the HTTP layer.
type Repository interface {
	Search(ctx context.Context, f db.Filter) (*db.SearchResult, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Grant, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]models.Grant, error)
	AgencyCounts(ctx context.Context) ([]models.AgencyCount, error)
}

// Scheduler is the operator control surface.
type Scheduler interface {
	Status(ctx context.Context) scheduler.Status
	StartManualUpdate(typ models.UpdateType) (string, error)
}

type Options struct {
	CORSOrigins []string
	Logger      *zap.Logger
	Matcher     *match.Engine
	Quality     *quality.Scorer
}

type Server struct {
	Echo *echo.Echo

	repo    Repository
	sched   Scheduler
	auth    *auth.Authenticator
	matcher *match.Engine
	quality *quality.Scorer
	logger  *zap.Logger
}

// NewServer wires the routes. sched may be nil when the process runs without
// a scheduler; the operator routes then answer 503.
func NewServer(repo Repository, sched Scheduler, authn *auth.Authenticator, opts Options) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:4200"}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: origins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, auth.AdminSecretHeader},
	}))

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	matcher := opts.Matcher
	if matcher == nil {
		matcher = match.New(match.DefaultConfig(), nil)
	}
	scorer := opts.Quality
	if scorer == nil {
		scorer = quality.New(quality.DefaultConfig(), nil)
	}

	s := &Server{
		Echo:    e,
		repo:    repo,
		sched:   sched,
		auth:    authn,
		matcher: matcher,
		quality: scorer,
		logger:  logger.Named("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/grants", s.handleSearchGrants)
	api.GET("/grants/:id", s.handleGetGrant)
	api.GET("/stats/agencies", s.handleAgencyStats)
	api.POST("/match", s.handleMatch)
	api.POST("/quality", s.handleQuality)

	admin := api.Group("/admin")
	admin.Use(s.auth.Middleware)
	admin.GET("/scheduler/status", s.handleSchedulerStatus)
	admin.POST("/scheduler/trigger/:type", s.handleTriggerUpdate)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleSchedulerStatus(c echo.Context) error {
	if s.sched == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "scheduler is disabled"})
	}
	return c.JSON(http.StatusOK, s.sched.Status(c.Request().Context()))
}

func (s *Server) handleTriggerUpdate(c echo.Context) error {
	if s.sched == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "scheduler is disabled"})
	}
	typ := models.UpdateType(strings.ToLower(c.Param("type")))
	id, err := s.sched.StartManualUpdate(typ)
	if err != nil {
		return s.fail(c, err)
	}
	who, _ := auth.OperatorFromContext(c)
	s.logger.Info("manual update started", zap.String("job_id", id), zap.String("type", string(typ)), zap.String("operator", who))
	return c.JSON(http.StatusAccepted, map[string]string{"job_id": id, "type": string(typ)})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, db.ErrInvalidFilter), errors.Is(err, scheduler.ErrUnknownUpdate):
		status = http.StatusBadRequest
	case errors.Is(err, db.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, scheduler.ErrUpdateInProgress):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		return c.JSON(status, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

// splitCSV splits comma-separated query values into trimmed non-empty strings.
func splitCSV(values ...string) []string {
	var result []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				result = append(result, part)
			}
		}
	}
	return result
}
