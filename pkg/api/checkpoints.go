package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/checkpoint"
	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/ids"
)

func (s *Server) handleCreateCheckpoint(c *gin.Context) {
	var req checkpoint.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	created, err := s.checkpoints.Create(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetCheckpoint(c *gin.Context) {
	found, err := s.checkpoints.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, found)
}

func (s *Server) handleDeleteCheckpoint(c *gin.Context) {
	if err := s.checkpoints.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoint_id": c.Param("id"), "deleted": true})
}

func (s *Server) handleListCheckpoints(c *gin.Context) {
	checkpoints, err := s.checkpoints.List(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": checkpoints, "count": len(checkpoints)})
}

func (s *Server) handleLatestCheckpoint(c *gin.Context) {
	latest, err := s.checkpoints.Latest(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, latest)
}

// resumeRequest selects the checkpoint to restore. An empty checkpoint id
// picks the mission's latest; dry_run returns the plan without side effects.
type resumeRequest struct {
	CheckpointID string `json:"checkpoint_id,omitempty"`
	DryRun       bool   `json:"dry_run,omitempty"`
}

func (s *Server) handleResumeMission(c *gin.Context) {
	var req resumeRequest
	// Resuming with an empty body means "latest checkpoint, for real".
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		respondInvalid(c, err)
		return
	}
	if req.CheckpointID != "" {
		if err := validateCheckpointID(req.CheckpointID); err != nil {
			respondError(c, err)
			return
		}
	}
	plan, err := s.checkpoints.Resume(c.Request.Context(), c.Param("id"), req.CheckpointID, req.DryRun)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}

func validateCheckpointID(id string) error {
	if err := ids.Validate(id, ids.PrefixCheckpoint); err != nil {
		return errs.InvalidField("checkpoint_id", "%v", err)
	}
	return nil
}
