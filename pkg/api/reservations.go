package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/reservation"
)

func (s *Server) handleListReservations(c *gin.Context) {
	ctx := c.Request.Context()
	var out any
	var err error
	if callsign := c.Query("callsign"); callsign != "" {
		out, err = s.reservations.ListByHolder(ctx, callsign)
	} else {
		out, err = s.reservations.ListActive(ctx)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservations": out})
}

// reserveRequest asks for a file reservation. TTL and timeout are
// milliseconds; zero TTL uses the configured default, zero timeout fails fast.
type reserveRequest struct {
	FilePath  string `json:"file_path"`
	Callsign  string `json:"callsign"`
	Exclusive bool   `json:"exclusive"`
	TTLMillis int64  `json:"ttl_ms,omitempty"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
	Purpose   string `json:"purpose,omitempty"`
}

func (s *Server) handleReserve(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	granted, err := s.reservations.Acquire(c.Request.Context(), reservation.AcquireRequest{
		FilePath:  req.FilePath,
		Callsign:  req.Callsign,
		Exclusive: req.Exclusive,
		TTL:       time.Duration(req.TTLMillis) * time.Millisecond,
		Timeout:   time.Duration(req.TimeoutMS) * time.Millisecond,
		Purpose:   req.Purpose,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, granted)
}

func (s *Server) handleReleaseReservation(c *gin.Context) {
	callsign := c.Query("callsign")
	if callsign == "" {
		respondError(c, errs.InvalidField("callsign", "must not be empty"))
		return
	}
	force := c.Query("force") == "true"
	if err := s.reservations.Release(c.Request.Context(), c.Param("id"), callsign, force); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation_id": c.Param("id"), "released": true})
}

func (s *Server) handleListLocks(c *gin.Context) {
	locks, err := s.reservations.ListLocks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"locks": locks})
}

// acquireLockRequest asks for one keyed lock or, with Keys, several in one
// call; multi-key requests must list keys in lexicographic order.
type acquireLockRequest struct {
	LockKey   string   `json:"lock_key,omitempty"`
	Keys      []string `json:"keys,omitempty"`
	HolderID  string   `json:"holder_id"`
	TTLMillis int64    `json:"ttl_ms,omitempty"`
	TimeoutMS int64    `json:"timeout_ms,omitempty"`
}

func (s *Server) handleAcquireLock(c *gin.Context) {
	var req acquireLockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	ctx := c.Request.Context()
	ttl := time.Duration(req.TTLMillis) * time.Millisecond
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond

	if len(req.Keys) > 0 {
		locks, err := s.reservations.AcquireLocks(ctx, req.Keys, req.HolderID, ttl, timeout)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"locks": locks})
		return
	}

	lock, err := s.reservations.AcquireLock(ctx, req.LockKey, req.HolderID, ttl, timeout)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, lock)
}

func (s *Server) handleReleaseLock(c *gin.Context) {
	holderID := c.Query("holder_id")
	if holderID == "" {
		respondError(c, errs.InvalidField("holder_id", "must not be empty"))
		return
	}
	force := c.Query("force") == "true"
	if err := s.reservations.ReleaseLock(c.Request.Context(), c.Param("id"), holderID, force); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"lock_id": c.Param("id"), "released": true})
}
