package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/orchestrator"
)

func (s *Server) handleCreateMission(c *gin.Context) {
	var req orchestrator.CreateMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	mission, err := s.orchestrator.CreateMission(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, mission)
}

func (s *Server) handleListMissions(c *gin.Context) {
	status := models.MissionStatus(c.Query("status"))
	limit := queryInt(c, "limit", 0)
	missions, err := s.orchestrator.ListMissions(c.Request.Context(), status, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"missions": missions, "count": len(missions)})
}

func (s *Server) handleGetMission(c *gin.Context) {
	mission, err := s.orchestrator.GetMission(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mission)
}

func (s *Server) handleMissionOverview(c *gin.Context) {
	overview, err := s.orchestrator.GetOverview(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, overview)
}

func (s *Server) handleLaunchMission(c *gin.Context) {
	mission, err := s.orchestrator.Launch(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mission)
}

func (s *Server) handleCancelMission(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional; cancelling without a reason is allowed.
	_ = c.ShouldBindJSON(&req)
	if err := s.orchestrator.CancelMission(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission_id": c.Param("id"), "status": string(models.MissionCancelled)})
}

func (s *Server) handleArchiveMission(c *gin.Context) {
	if err := s.orchestrator.ArchiveMission(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mission_id": c.Param("id"), "status": string(models.MissionArchived)})
}

func (s *Server) handleStartSortie(c *gin.Context) {
	var req struct {
		Callsign string `json:"callsign"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := s.orchestrator.StartSortie(c.Request.Context(), c.Param("id"), req.Callsign); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sortie_id": c.Param("id"), "status": string(models.SortieInProgress)})
}

func (s *Server) handleBlockSortie(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if err := s.orchestrator.BlockSortie(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sortie_id": c.Param("id"), "status": string(models.SortieBlocked)})
}

func (s *Server) handleUnblockSortie(c *gin.Context) {
	if err := s.orchestrator.UnblockSortie(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sortie_id": c.Param("id"), "status": string(models.SortieInProgress)})
}

func (s *Server) handleCloseSortie(c *gin.Context) {
	if err := s.orchestrator.CloseSortie(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sortie_id": c.Param("id"), "status": string(models.SortieClosed)})
}

// queryInt parses an integer query parameter, falling back to def on absence
// or garbage.
func queryInt(c *gin.Context, key string, def int) int {
	raw := c.Query(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}
