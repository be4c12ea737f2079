package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/models"
)

// handleQueryEvents serves GET /api/events. Filters: stream_type+stream_id
// (with optional after_sequence), event_type (with optional since), or
// correlation_id. Exactly one filter family must be present.
func (s *Server) handleQueryEvents(c *gin.Context) {
	limit := queryInt(c, "limit", 100)

	if correlationID := c.Query("correlation_id"); correlationID != "" {
		recorded, err := s.events.QueryByCorrelation(c.Request.Context(), correlationID)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": recorded, "count": len(recorded)})
		return
	}

	if eventType := c.Query("event_type"); eventType != "" {
		var since *time.Time
		if raw := c.Query("since"); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				respondError(c, errs.InvalidField("since", "must be RFC3339"))
				return
			}
			since = &t
		}
		recorded, err := s.events.QueryByType(c.Request.Context(), eventType, since, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": recorded, "count": len(recorded)})
		return
	}

	streamType := models.StreamType(c.Query("stream_type"))
	streamID := c.Query("stream_id")
	if streamType == "" || streamID == "" {
		respondError(c, errs.Invalidf("stream_type and stream_id, event_type, or correlation_id is required"))
		return
	}
	after := int64(0)
	if raw := c.Query("after_sequence"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			respondError(c, errs.InvalidField("after_sequence", "must be a non-negative integer"))
			return
		}
		after = v
	}
	recorded, err := s.events.QueryByStream(c.Request.Context(), streamType, streamID, after, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": recorded, "count": len(recorded)})
}

// handleEventStream serves GET /api/events/stream: the websocket upgrade into
// the stream manager's subscribe/catchup protocol.
func (s *Server) handleEventStream(c *gin.Context) {
	if s.streams == nil {
		respondError(c, errs.Invalidf("event streaming is not enabled"))
		return
	}
	opts := &websocket.AcceptOptions{OriginPatterns: originPatterns(s.cfg.CORSAllowedOrigins)}
	if len(opts.OriginPatterns) == 0 {
		// Mirrors the CORS middleware: no explicit list means any origin.
		opts.InsecureSkipVerify = true
	}
	conn, err := websocket.Accept(c.Writer, c.Request, opts)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if s.metrics != nil {
		s.metrics.StreamClients.Inc()
		defer s.metrics.StreamClients.Dec()
	}
	s.streams.HandleConnection(c.Request.Context(), conn)
}

// originPatterns strips the scheme from configured CORS origins; the
// websocket library matches on host patterns.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		o = strings.TrimPrefix(o, "https://")
		o = strings.TrimPrefix(o, "http://")
		if o != "" {
			out = append(out, o)
		}
	}
	return out
}
