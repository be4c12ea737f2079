package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/scheduler"
)

func (s *Server) handleCreateWorkOrder(c *gin.Context) {
	var req scheduler.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	wo, err := s.scheduler.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, wo)
}

func (s *Server) handleListWorkOrders(c *gin.Context) {
	status := models.WorkOrderStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		respondError(c, errs.InvalidField("status", "unknown work order status %q", status))
		return
	}
	orders, err := s.store.ListWorkOrders(c.Request.Context(), status, queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"work_orders": orders, "count": len(orders)})
}

func (s *Server) handleGetWorkOrder(c *gin.Context) {
	wo, err := s.store.GetWorkOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	deps, err := s.store.ListDependencies(c.Request.Context(), wo.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"work_order": wo, "dependencies": deps})
}

// patchWorkOrderRequest is the PATCH body: a status transition, a priority
// change, or a direct assignment. Exactly one field group applies per call.
type patchWorkOrderRequest struct {
	Status   models.WorkOrderStatus `json:"status,omitempty"`
	Callsign string                 `json:"callsign,omitempty"`
	Priority models.Priority        `json:"priority,omitempty"`
	AssignTo string                 `json:"assign_to,omitempty"`

	// Progress reports ride on status=in_progress.
	ProgressPercent     *int       `json:"progress_percent,omitempty"`
	EstimatedCompletion *time.Time `json:"estimated_completion,omitempty"`

	// Error accompanies status=failed.
	Error string `json:"error,omitempty"`

	// Reason accompanies status=cancelled.
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handlePatchWorkOrder(c *gin.Context) {
	var req patchWorkOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	id := c.Param("id")
	ctx := c.Request.Context()

	switch {
	case req.AssignTo != "":
		if err := s.scheduler.AssignTo(ctx, id, req.AssignTo); err != nil {
			respondError(c, err)
			return
		}
	case req.Priority != "":
		if !req.Priority.Valid() {
			respondError(c, errs.InvalidField("priority", "unknown priority %q", req.Priority))
			return
		}
		nowStr := models.Now().Format(time.RFC3339Nano)
		if err := s.store.UpdateWorkOrderPriority(ctx, id, req.Priority, nowStr); err != nil {
			respondError(c, err)
			return
		}
	case req.Status != "":
		if err := s.applyStatusPatch(c, id, &req); err != nil {
			respondError(c, err)
			return
		}
	default:
		respondError(c, errs.Invalidf("one of status, priority, or assign_to is required"))
		return
	}

	wo, err := s.store.GetWorkOrder(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

// handlePatchWorkOrderStatus serves the legacy PATCH /tasks/:id/status route;
// the body is the same status patch without the priority/assignment branches.
func (s *Server) handlePatchWorkOrderStatus(c *gin.Context) {
	var req patchWorkOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if req.Status == "" {
		respondError(c, errs.InvalidField("status", "must not be empty"))
		return
	}
	id := c.Param("id")
	if err := s.applyStatusPatch(c, id, &req); err != nil {
		respondError(c, err)
		return
	}
	wo, err := s.store.GetWorkOrder(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, wo)
}

// applyStatusPatch routes a requested status to the scheduler operation that
// owns the transition. Pilots drive accepted/in_progress/completed/failed;
// cancelled is the administrative abort.
func (s *Server) applyStatusPatch(c *gin.Context, id string, req *patchWorkOrderRequest) error {
	ctx := c.Request.Context()
	switch req.Status {
	case models.WorkOrderAccepted:
		return s.scheduler.Accept(ctx, id, req.Callsign)
	case models.WorkOrderInProgress:
		percent := 0
		if req.ProgressPercent != nil {
			percent = *req.ProgressPercent
		}
		return s.scheduler.Progress(ctx, id, req.Callsign, percent, req.EstimatedCompletion)
	case models.WorkOrderCompleted:
		return s.scheduler.Complete(ctx, id, req.Callsign)
	case models.WorkOrderFailed:
		return s.scheduler.Fail(ctx, id, req.Callsign, req.Error)
	case models.WorkOrderCancelled:
		return s.scheduler.Cancel(ctx, id, req.Reason)
	default:
		return errs.InvalidField("status", "cannot transition to %q via PATCH", req.Status)
	}
}

func (s *Server) handleDeleteWorkOrder(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()

	wo, err := s.store.GetWorkOrder(ctx, id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !wo.Status.Terminal() {
		if err := s.scheduler.Cancel(ctx, id, "deleted"); err != nil {
			respondError(c, err)
			return
		}
	}
	if err := s.store.DeleteWorkOrder(ctx, id); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"work_order_id": id, "deleted": true})
}
