package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/version"
)

// CoordinatorStatus is the aggregate view of the running fleet.
type CoordinatorStatus struct {
	Service            string           `json:"service"`
	Version            string           `json:"version"`
	UptimeSeconds      int64            `json:"uptime_seconds"`
	Pilots             map[string]int64 `json:"pilots"`
	Missions           map[string]int64 `json:"missions"`
	WorkOrders         map[string]int64 `json:"work_orders"`
	QueueDepth         int64            `json:"queue_depth"`
	ActiveReservations int64            `json:"active_reservations"`
	ActiveLocks        int64            `json:"active_locks"`
	EventsTotal        int64            `json:"events_total"`
	StreamClients      int              `json:"stream_clients"`
	Store              any              `json:"store"`
	Timestamp          string           `json:"timestamp"`
}

func (s *Server) handleCoordinatorStatus(c *gin.Context) {
	ctx := c.Request.Context()
	now := models.Now()

	pilots, err := s.store.CountPilotsByStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	missions, err := s.store.CountMissionsByStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	orders, err := s.store.CountWorkOrdersByStatus(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	nowStr := now.Format(time.RFC3339Nano)
	reservations, err := s.store.CountActiveReservations(ctx, nowStr)
	if err != nil {
		respondError(c, err)
		return
	}
	locks, err := s.store.CountActiveLocks(ctx, nowStr)
	if err != nil {
		respondError(c, err)
		return
	}
	eventsTotal, err := s.store.CountEvents(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	storeHealth, err := s.store.Client().Health(ctx)
	if err != nil {
		respondError(c, err)
		return
	}

	status := CoordinatorStatus{
		Service:            version.AppName,
		Version:            version.Full(),
		UptimeSeconds:      int64(now.Sub(s.startedAt).Seconds()),
		Pilots:             pilots,
		Missions:           missions,
		WorkOrders:         orders,
		QueueDepth:         orders[string(models.WorkOrderPending)],
		ActiveReservations: reservations,
		ActiveLocks:        locks,
		EventsTotal:        eventsTotal,
		Store:              storeHealth,
		Timestamp:          nowStr,
	}
	if s.streams != nil {
		status.StreamClients = s.streams.ActiveConnections()
	}
	c.JSON(http.StatusOK, status)
}

// handleDispatch forces one scheduler pass instead of waiting for the next
// tick. Used by tests and the administrative CLI.
func (s *Server) handleDispatch(c *gin.Context) {
	assigned, err := s.scheduler.Dispatch(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assigned": assigned})
}
