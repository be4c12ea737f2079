package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/learning"
	"github.com/flightline/fleet/pkg/models"
)

func (s *Server) handleListPatterns(c *gin.Context) {
	patterns, err := s.learning.ListPatterns(c.Request.Context(),
		c.Query("mission_type"), c.Query("pattern_type"),
		models.PatternStatus(c.Query("status")), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"patterns": patterns, "count": len(patterns)})
}

// handleListTechOrders serves the tech order view: approved patterns only,
// unless a status filter says otherwise.
func (s *Server) handleListTechOrders(c *gin.Context) {
	status := models.PatternStatus(c.Query("status"))
	if status == "" {
		status = models.PatternApproved
	}
	patterns, err := s.learning.ListPatterns(c.Request.Context(),
		c.Query("mission_type"), c.Query("pattern_type"), status, queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tech_orders": patterns, "count": len(patterns)})
}

func (s *Server) handleCreatePattern(c *gin.Context) {
	var req learning.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	pattern, err := s.learning.CreatePattern(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pattern)
}

func (s *Server) handleGetPattern(c *gin.Context) {
	pattern, err := s.learning.GetPattern(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pattern)
}

func (s *Server) handleDeletePattern(c *gin.Context) {
	if err := s.learning.DeletePattern(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pattern_id": c.Param("id"), "deleted": true})
}

func (s *Server) handleApprovePattern(c *gin.Context) {
	if err := s.learning.ApprovePattern(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pattern_id": c.Param("id"), "status": string(models.PatternApproved)})
}

func (s *Server) handleListOutcomes(c *gin.Context) {
	outcomes, err := s.learning.ListOutcomes(c.Request.Context(), c.Param("id"), queryInt(c, "limit", 0))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes, "count": len(outcomes)})
}

func (s *Server) handleRecordOutcome(c *gin.Context) {
	var req learning.RecordOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	req.PatternID = c.Param("id")
	outcome, err := s.learning.RecordOutcome(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, outcome)
}

func (s *Server) handleLearningMetrics(c *gin.Context) {
	metrics, err := s.learning.GetMetrics(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, metrics)
}
