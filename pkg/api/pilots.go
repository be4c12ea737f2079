package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/registry"
)

func (s *Server) handleListPilots(c *gin.Context) {
	ctx := c.Request.Context()
	if capability := c.Query("capability"); capability != "" {
		pilots, err := s.registry.FindByCapability(ctx, []string{capability})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pilots": pilots, "count": len(pilots)})
		return
	}
	pilots, err := s.registry.List(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pilots": pilots, "count": len(pilots)})
}

func (s *Server) handleRegisterPilot(c *gin.Context) {
	var req registry.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	pilot, err := s.registry.Register(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pilot)
}

func (s *Server) handleGetPilot(c *gin.Context) {
	pilot, err := s.registry.Get(c.Request.Context(), c.Param("callsign"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pilot)
}

// patchPilotRequest updates a pilot's reported status and/or workload delta.
type patchPilotRequest struct {
	Status        models.PilotStatus `json:"status,omitempty"`
	WorkloadDelta *int               `json:"workload_delta,omitempty"`
}

func (s *Server) handlePatchPilot(c *gin.Context) {
	var req patchPilotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	ctx := c.Request.Context()
	callsign := c.Param("callsign")

	var (
		pilot *models.Pilot
		err   error
	)
	switch {
	case req.Status != "" && req.WorkloadDelta != nil:
		if _, err = s.registry.UpdateStatus(ctx, callsign, req.Status); err == nil {
			pilot, err = s.registry.AdjustWorkload(ctx, callsign, *req.WorkloadDelta)
		}
	case req.Status != "":
		pilot, err = s.registry.UpdateStatus(ctx, callsign, req.Status)
	case req.WorkloadDelta != nil:
		pilot, err = s.registry.AdjustWorkload(ctx, callsign, *req.WorkloadDelta)
	default:
		respondError(c, errs.Invalidf("status or workload_delta is required"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pilot)
}

func (s *Server) handleDeregisterPilot(c *gin.Context) {
	reason := c.Query("reason")
	if reason == "" {
		reason = "requested"
	}
	if err := s.registry.Deregister(c.Request.Context(), c.Param("callsign"), reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callsign": c.Param("callsign"), "deregistered": true})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	var req struct {
		Status models.PilotStatus `json:"status,omitempty"`
	}
	// Heartbeats without a body keep the current status.
	_ = c.ShouldBindJSON(&req)
	pilot, err := s.registry.Heartbeat(c.Request.Context(), c.Param("callsign"), req.Status)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pilot)
}

func (s *Server) handlePilotHealth(c *gin.Context) {
	health, err := s.registry.Health(c.Request.Context(), c.Param("callsign"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handleReportHealth(c *gin.Context) {
	var health models.PilotHealth
	if err := c.ShouldBindJSON(&health); err != nil {
		respondInvalid(c, err)
		return
	}
	health.Callsign = c.Param("callsign")
	state, err := s.registry.ReportHealth(c.Request.Context(), &health)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"callsign": health.Callsign, "status": string(state)})
}

func (s *Server) handleListAssignments(c *gin.Context) {
	assignments, err := s.store.ListAssignmentsByPilot(c.Request.Context(),
		c.Param("callsign"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments, "count": len(assignments)})
}

// handleCreateAssignment hands a pending work order directly to this pilot,
// bypassing the scoring pass.
func (s *Server) handleCreateAssignment(c *gin.Context) {
	var req struct {
		WorkOrderID string `json:"work_order_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if req.WorkOrderID == "" {
		respondError(c, errs.InvalidField("work_order_id", "must not be empty"))
		return
	}
	ctx := c.Request.Context()
	if err := s.scheduler.AssignTo(ctx, req.WorkOrderID, c.Param("callsign")); err != nil {
		respondError(c, err)
		return
	}
	assignment, err := s.store.GetActiveAssignment(ctx, req.WorkOrderID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, assignment)
}

// patchAssignmentRequest reports assignment progress through the pilot-facing
// route. Terminal states go through the work order status patch instead.
type patchAssignmentRequest struct {
	Accept              bool       `json:"accept,omitempty"`
	ProgressPercent     *int       `json:"progress_percent,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`
}

func (s *Server) handlePatchAssignment(c *gin.Context) {
	var req patchAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	ctx := c.Request.Context()
	callsign := c.Param("callsign")

	assignment, err := s.store.GetAssignment(ctx, c.Param("assignment_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if assignment.PilotID != callsign {
		respondError(c, errs.Conflictf("assignment %s does not belong to %s", assignment.AssignmentID, callsign))
		return
	}

	switch {
	case req.Accept:
		err = s.scheduler.Accept(ctx, assignment.WorkOrderID, callsign)
	case req.ProgressPercent != nil:
		err = s.scheduler.Progress(ctx, assignment.WorkOrderID, callsign,
			*req.ProgressPercent, req.EstimatedCompletion)
	default:
		respondError(c, errs.Invalidf("accept or progress_percent is required"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	assignment, err = s.store.GetAssignment(ctx, assignment.AssignmentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, assignment)
}

// PilotStats tallies one pilot's assignment history.
type PilotStats struct {
	Callsign        string  `json:"callsign"`
	TotalAssigned   int     `json:"total_assigned"`
	Active          int     `json:"active"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	SuccessRate     float64 `json:"success_rate"`
	AvgProgressPct  float64 `json:"avg_progress_percent"`
	CurrentWorkload int     `json:"current_workload"`
	MaxWorkload     int     `json:"max_workload"`
}

func (s *Server) handlePilotStats(c *gin.Context) {
	ctx := c.Request.Context()
	callsign := c.Param("callsign")

	pilot, err := s.registry.Get(ctx, callsign)
	if err != nil {
		respondError(c, err)
		return
	}
	assignments, err := s.store.ListAssignmentsByPilot(ctx, callsign, 0)
	if err != nil {
		respondError(c, err)
		return
	}

	stats := PilotStats{
		Callsign:        callsign,
		TotalAssigned:   len(assignments),
		CurrentWorkload: pilot.CurrentWorkload,
		MaxWorkload:     pilot.MaxWorkload,
	}
	progressSum := 0
	for i := range assignments {
		a := &assignments[i]
		progressSum += a.ProgressPercent
		switch {
		case a.CompletedAt != nil && a.ErrorDetails == "":
			stats.Completed++
		case a.ErrorDetails != "":
			stats.Failed++
		case a.Active:
			stats.Active++
		}
	}
	if done := stats.Completed + stats.Failed; done > 0 {
		stats.SuccessRate = float64(stats.Completed) / float64(done)
	}
	if len(assignments) > 0 {
		stats.AvgProgressPct = float64(progressSum) / float64(len(assignments))
	}
	c.JSON(http.StatusOK, stats)
}

// handleStartCoordination bootstraps a pilot's coordination session: a
// heartbeat, its open assignments, current holdings, and the mailbox backlog
// in one response, so a restarted pilot can rejoin without a request storm.
func (s *Server) handleStartCoordination(c *gin.Context) {
	ctx := c.Request.Context()
	callsign := c.Param("callsign")

	pilot, err := s.registry.Heartbeat(ctx, callsign, models.PilotIdle)
	if err != nil {
		respondError(c, err)
		return
	}
	orders, err := s.store.ListWorkOrdersByPilot(ctx, callsign)
	if err != nil {
		respondError(c, err)
		return
	}
	holdings, err := s.reservations.ListByHolder(ctx, callsign)
	if err != nil {
		respondError(c, err)
		return
	}
	mailboxes, err := s.mailbox.Status(ctx, callsign)
	if err != nil {
		respondError(c, err)
		return
	}
	// A pilot with no cursor yet still sees its full mailbox backlog.
	position := int64(0)
	for _, m := range mailboxes {
		if m.MailboxID == callsign {
			position = m.Position
			break
		}
	}
	backlog, err := s.store.CountEventsAfter(ctx, models.StreamMailbox, callsign, position)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pilot":           pilot,
		"work_orders":     orders,
		"reservations":    holdings,
		"mailboxes":       mailboxes,
		"mailbox_backlog": backlog,
	})
}
