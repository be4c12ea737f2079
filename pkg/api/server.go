// Package api is the HTTP surface of the fleet server: a gin router over the
// coordination services, a websocket event stream, and the Prometheus
// endpoint.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/checkpoint"
	"github.com/flightline/fleet/pkg/config"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/learning"
	"github.com/flightline/fleet/pkg/mailbox"
	"github.com/flightline/fleet/pkg/metrics"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/orchestrator"
	"github.com/flightline/fleet/pkg/registry"
	"github.com/flightline/fleet/pkg/reservation"
	"github.com/flightline/fleet/pkg/scheduler"
	"github.com/flightline/fleet/pkg/store"
)

// Server wires every coordination service behind the HTTP router.
type Server struct {
	cfg          *config.Config
	store        *store.Store
	events       *events.Service
	mailbox      *mailbox.Service
	reservations *reservation.Manager
	registry     *registry.Service
	scheduler    *scheduler.Service
	orchestrator *orchestrator.Service
	checkpoints  *checkpoint.Service
	learning     *learning.Service
	metrics      *metrics.Metrics
	streams      *events.StreamManager
	logger       *slog.Logger
	startedAt    time.Time
}

// Deps carries the services the server exposes. Metrics and streams may be
// nil; the corresponding endpoints then report unavailable.
type Deps struct {
	Config       *config.Config
	Store        *store.Store
	Events       *events.Service
	Mailbox      *mailbox.Service
	Reservations *reservation.Manager
	Registry     *registry.Service
	Scheduler    *scheduler.Service
	Orchestrator *orchestrator.Service
	Checkpoints  *checkpoint.Service
	Learning     *learning.Service
	Metrics      *metrics.Metrics
	Streams      *events.StreamManager
}

// NewServer builds the HTTP server from its dependencies.
func NewServer(d Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:          d.Config,
		store:        d.Store,
		events:       d.Events,
		mailbox:      d.Mailbox,
		reservations: d.Reservations,
		registry:     d.Registry,
		scheduler:    d.Scheduler,
		orchestrator: d.Orchestrator,
		checkpoints:  d.Checkpoints,
		learning:     d.Learning,
		metrics:      d.Metrics,
		streams:      d.Streams,
		logger:       logger.With("component", "api"),
		startedAt:    models.Now(),
	}
}

// Router assembles the route table.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger, s.metrics))
	if s.cfg.CORSEnabled {
		r.Use(corsMiddleware(s.cfg.CORSAllowedOrigins))
	}

	r.GET("/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := r.Group("/api")
	api.Use(rateLimit(s.cfg.RateLimitRPM))

	api.GET("/events", s.handleQueryEvents)
	api.GET("/events/stream", s.handleEventStream)

	missions := api.Group("/missions")
	{
		missions.POST("", s.handleCreateMission)
		missions.GET("", s.handleListMissions)
		missions.GET("/:id", s.handleGetMission)
		missions.GET("/:id/overview", s.handleMissionOverview)
		missions.POST("/:id/launch", s.handleLaunchMission)
		missions.POST("/:id/cancel", s.handleCancelMission)
		missions.POST("/:id/archive", s.handleArchiveMission)
		missions.GET("/:id/checkpoints", s.handleListCheckpoints)
		missions.GET("/:id/checkpoints/latest", s.handleLatestCheckpoint)
		missions.POST("/:id/resume", s.handleResumeMission)
	}

	sorties := api.Group("/sorties")
	{
		sorties.POST("/:id/start", s.handleStartSortie)
		sorties.POST("/:id/block", s.handleBlockSortie)
		sorties.POST("/:id/unblock", s.handleUnblockSortie)
		sorties.POST("/:id/close", s.handleCloseSortie)
	}

	orders := api.Group("/work-orders")
	{
		orders.POST("", s.handleCreateWorkOrder)
		orders.GET("", s.handleListWorkOrders)
		orders.GET("/:id", s.handleGetWorkOrder)
		orders.PATCH("/:id", s.handlePatchWorkOrder)
		orders.DELETE("/:id", s.handleDeleteWorkOrder)
	}

	// Legacy task routes kept for pre-fleet pilots; they address the same
	// work orders.
	tasks := api.Group("/tasks")
	{
		tasks.POST("", s.handleCreateWorkOrder)
		tasks.GET("", s.handleListWorkOrders)
		tasks.GET("/:id", s.handleGetWorkOrder)
		tasks.PATCH("/:id/status", s.handlePatchWorkOrderStatus)
	}

	reservations := api.Group("/reservations")
	{
		reservations.GET("", s.handleListReservations)
		reservations.POST("", s.handleReserve)
		reservations.DELETE("/:id", s.handleReleaseReservation)
	}

	locks := api.Group("/locks")
	{
		locks.GET("", s.handleListLocks)
		locks.POST("", s.handleAcquireLock)
		locks.DELETE("/:id", s.handleReleaseLock)
	}

	patterns := api.Group("/patterns")
	{
		patterns.GET("", s.handleListPatterns)
		patterns.POST("", s.handleCreatePattern)
		patterns.GET("/:id", s.handleGetPattern)
		patterns.DELETE("/:id", s.handleDeletePattern)
		patterns.POST("/:id/approve", s.handleApprovePattern)
		patterns.GET("/:id/outcomes", s.handleListOutcomes)
		patterns.POST("/:id/outcomes", s.handleRecordOutcome)
	}
	api.GET("/learning/metrics", s.handleLearningMetrics)

	// Tech orders are the pilot-facing view of approved patterns.
	techOrders := api.Group("/tech-orders")
	{
		techOrders.GET("", s.handleListTechOrders)
		techOrders.POST("", s.handleCreatePattern)
		techOrders.GET("/:id", s.handleGetPattern)
	}

	mailboxes := api.Group("/mailboxes")
	{
		mailboxes.GET("/status", s.handleMailboxStatus)
		mailboxes.POST("/:id/messages", s.handlePostMessage)
		mailboxes.GET("/:id/messages", s.handlePollMessages)
		mailboxes.POST("/:id/cursor", s.handleAdvanceCursor)
		mailboxes.GET("/:id/cursor", s.handleGetCursor)
	}

	pilots := api.Group("/pilots")
	{
		pilots.GET("", s.handleListPilots)
		pilots.POST("", s.handleRegisterPilot)
		pilots.GET("/:callsign", s.handleGetPilot)
		pilots.PATCH("/:callsign", s.handlePatchPilot)
		pilots.DELETE("/:callsign", s.handleDeregisterPilot)
		pilots.POST("/:callsign/heartbeat", s.handleHeartbeat)
		pilots.GET("/:callsign/health", s.handlePilotHealth)
		pilots.POST("/:callsign/health", s.handleReportHealth)
		pilots.GET("/:callsign/assignments", s.handleListAssignments)
		pilots.POST("/:callsign/assignments", s.handleCreateAssignment)
		pilots.PATCH("/:callsign/assignments/:assignment_id", s.handlePatchAssignment)
		pilots.GET("/:callsign/stats", s.handlePilotStats)
		pilots.POST("/:callsign/coordination", s.handleStartCoordination)
	}

	coordinator := api.Group("/coordinator")
	{
		coordinator.GET("/status", s.handleCoordinatorStatus)
		coordinator.POST("/dispatch", s.handleDispatch)
	}

	checkpoints := api.Group("/checkpoints")
	{
		checkpoints.POST("", s.handleCreateCheckpoint)
		checkpoints.GET("/:id", s.handleGetCheckpoint)
		checkpoints.DELETE("/:id", s.handleDeleteCheckpoint)
	}

	return r
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the shutdown timeout.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "port", s.cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return <-errCh
}
