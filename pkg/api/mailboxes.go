package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

// maxPollWait caps long-poll duration regardless of what the client asks for.
const maxPollWait = 60 * time.Second

func (s *Server) handleMailboxStatus(c *gin.Context) {
	consumerID := c.Query("consumer_id")
	status, err := s.mailbox.Status(c.Request.Context(), consumerID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"consumer_id": consumerID, "mailboxes": status})
}

// postMessageRequest carries a mailbox message. Broadcast posts go to the
// mailbox id "broadcast".
type postMessageRequest struct {
	From          string          `json:"from,omitempty"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

func (s *Server) handlePostMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	var (
		posted *models.Event
		err    error
	)
	if c.Param("id") == models.BroadcastMailbox {
		posted, err = s.mailbox.Broadcast(c.Request.Context(), req.From, req.Data, req.CorrelationID)
	} else {
		posted, err = s.mailbox.Post(c.Request.Context(), c.Param("id"), req.From, req.Data, req.CorrelationID)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, posted)
}

// handlePollMessages serves GET /api/mailboxes/:id/messages. wait_ms > 0
// long-polls; the cursor stays put until the consumer advances it.
func (s *Server) handlePollMessages(c *gin.Context) {
	consumerID := c.Query("consumer_id")
	wait := time.Duration(queryInt(c, "wait_ms", 0)) * time.Millisecond
	if wait > maxPollWait {
		wait = maxPollWait
	}
	delivered, err := s.mailbox.Poll(c.Request.Context(),
		c.Param("id"), consumerID, queryInt(c, "limit", 0), wait)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"mailbox_id": c.Param("id"),
		"events":     delivered,
		"count":      len(delivered),
	})
}

type advanceCursorRequest struct {
	ConsumerID string `json:"consumer_id"`
	Position   *int64 `json:"position"`
}

func (s *Server) handleAdvanceCursor(c *gin.Context) {
	var req advanceCursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondInvalid(c, err)
		return
	}
	if req.ConsumerID == "" {
		respondError(c, errs.InvalidField("consumer_id", "must not be empty"))
		return
	}
	if req.Position == nil {
		respondError(c, errs.InvalidField("position", "must be present"))
		return
	}
	cursor, err := s.mailbox.Advance(c.Request.Context(), c.Param("id"), req.ConsumerID, *req.Position)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cursor)
}

func (s *Server) handleGetCursor(c *gin.Context) {
	consumerID := c.Query("consumer_id")
	if consumerID == "" {
		respondError(c, errs.InvalidField("consumer_id", "must not be empty"))
		return
	}
	cursor, err := s.store.GetCursor(c.Request.Context(), models.StreamMailbox, c.Param("id"), consumerID)
	if errors.Is(err, errs.ErrNotFound) {
		// No cursor yet reads as position zero, matching Poll's view.
		c.JSON(http.StatusOK, models.Cursor{
			StreamType: models.StreamMailbox,
			StreamID:   c.Param("id"),
			ConsumerID: consumerID,
			Position:   0,
		})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cursor)
}
