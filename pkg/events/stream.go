package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/flightline/fleet/pkg/models"
)

// catchupLimit caps how many missed events a catchup response carries. A
// client further behind gets a stream.overflow message and should reload over
// REST.
const catchupLimit = 200

// ClientMessage is what a websocket client sends: subscribe, unsubscribe,
// catchup, or ping.
type ClientMessage struct {
	Action  string `json:"action"`
	Channel string `json:"channel,omitempty"`
	// AfterSequence resumes a catchup from a known position.
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

// StreamManager fans appended events out to websocket clients. Channels are
// stream addresses of the form "<stream_type>/<stream_id>". One pump
// goroutine drains the notifier's global feed.
type StreamManager struct {
	connections map[string]*streamConn
	mu          sync.RWMutex

	// channel → set of connection ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	service      *Service
	writeTimeout time.Duration
	logger       *slog.Logger
}

// streamConn is one websocket client.
//
// subscriptions is only touched from the goroutine that owns the connection
// (HandleConnection's read loop and its deferred cleanup), so it needs no
// lock.
type streamConn struct {
	id            string
	conn          *websocket.Conn
	subscriptions map[string]bool
	ctx           context.Context
}

// NewStreamManager returns a manager serving events from the given service.
func NewStreamManager(service *Service, writeTimeout time.Duration, logger *slog.Logger) *StreamManager {
	return &StreamManager{
		connections:  make(map[string]*streamConn),
		channels:     make(map[string]map[string]bool),
		service:      service,
		writeTimeout: writeTimeout,
		logger:       logger.With("component", "event_stream"),
	}
}

// Run drains the notifier feed and broadcasts until ctx ends. Call in its own
// goroutine.
func (m *StreamManager) Run(ctx context.Context) {
	feed, cancel := m.service.Notifier().SubscribeAll()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-feed:
			m.broadcast(e)
		}
	}
}

// HandleConnection owns one websocket client until it disconnects. Called by
// the HTTP handler after the upgrade.
func (m *StreamManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	c := &streamConn{
		id:            uuid.New().String(),
		conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           parentCtx,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.id,
	})

	for {
		_, data, err := conn.Read(parentCtx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.logger.Warn("Invalid stream message", "connection_id", c.id, "error", err)
			continue
		}
		m.handleMessage(parentCtx, c, &msg)
	}
}

// ActiveConnections returns the number of connected clients.
func (m *StreamManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *StreamManager) handleMessage(ctx context.Context, c *streamConn, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		key, err := parseChannel(msg.Channel)
		if err != nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": err.Error()})
			return
		}
		m.subscribe(c, msg.Channel)
		m.sendJSON(c, map[string]string{
			"type":    "subscription.confirmed",
			"channel": msg.Channel,
		})
		// Late subscribers catch up from position 0 so nothing is missed.
		after := int64(0)
		if msg.AfterSequence != nil {
			after = *msg.AfterSequence
		}
		m.catchup(ctx, c, msg.Channel, key, after)

	case "unsubscribe":
		if msg.Channel == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "channel is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, msg.Channel)

	case "catchup":
		key, err := parseChannel(msg.Channel)
		if err != nil {
			m.sendJSON(c, map[string]string{"type": "error", "message": err.Error()})
			return
		}
		after := int64(0)
		if msg.AfterSequence != nil {
			after = *msg.AfterSequence
		}
		m.catchup(ctx, c, msg.Channel, key, after)

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func (m *StreamManager) catchup(ctx context.Context, c *streamConn, channel string, key StreamKey, after int64) {
	missed, err := m.service.QueryByStream(ctx, key.Type, key.ID, after, catchupLimit+1)
	if err != nil {
		m.logger.Warn("Catchup query failed", "channel", channel, "error", err)
		m.sendJSON(c, map[string]string{
			"type":    "error",
			"channel": channel,
			"message": "catchup failed",
		})
		return
	}
	if len(missed) > catchupLimit {
		m.sendJSON(c, map[string]string{
			"type":    "stream.overflow",
			"channel": channel,
			"message": "too many missed events, reload over the REST API",
		})
		return
	}
	for i := range missed {
		m.sendEvent(c, channel, &missed[i])
	}
}

func (m *StreamManager) broadcast(e models.Event) {
	channel := channelFor(e.StreamType, e.StreamID)

	m.channelMu.RLock()
	connIDs, ok := m.channels[channel]
	if !ok {
		m.channelMu.RUnlock()
		return
	}
	idList := make([]string, 0, len(connIDs))
	for id := range connIDs {
		idList = append(idList, id)
	}
	m.channelMu.RUnlock()

	// Snapshot pointers before sending so slow writes don't hold the lock.
	m.mu.RLock()
	conns := make([]*streamConn, 0, len(idList))
	for _, id := range idList {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.sendEvent(c, channel, &e)
	}
}

func (m *StreamManager) sendEvent(c *streamConn, channel string, e *models.Event) {
	m.sendJSON(c, map[string]any{
		"type":    "event",
		"channel": channel,
		"event":   e,
	})
}

func (m *StreamManager) sendJSON(c *streamConn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("Encoding stream message", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		m.logger.Warn("Writing to stream client", "connection_id", c.id, "error", err)
	}
}

func (m *StreamManager) register(c *streamConn) {
	m.mu.Lock()
	m.connections[c.id] = c
	m.mu.Unlock()
}

func (m *StreamManager) unregister(c *streamConn) {
	m.channelMu.Lock()
	for channel := range c.subscriptions {
		if subs, ok := m.channels[channel]; ok {
			delete(subs, c.id)
			if len(subs) == 0 {
				delete(m.channels, channel)
			}
		}
	}
	m.channelMu.Unlock()

	m.mu.Lock()
	delete(m.connections, c.id)
	m.mu.Unlock()
}

func (m *StreamManager) subscribe(c *streamConn, channel string) {
	m.channelMu.Lock()
	if _, ok := m.channels[channel]; !ok {
		m.channels[channel] = make(map[string]bool)
	}
	m.channels[channel][c.id] = true
	m.channelMu.Unlock()

	c.subscriptions[channel] = true
}

func (m *StreamManager) unsubscribe(c *streamConn, channel string) {
	m.channelMu.Lock()
	if subs, ok := m.channels[channel]; ok {
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(m.channels, channel)
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

func channelFor(streamType models.StreamType, streamID string) string {
	return string(streamType) + "/" + streamID
}

func parseChannel(channel string) (StreamKey, error) {
	streamType, streamID, ok := strings.Cut(channel, "/")
	if !ok || streamID == "" {
		return StreamKey{}, fmt.Errorf("channel must be <stream_type>/<stream_id>, got %q", channel)
	}
	key := StreamKey{Type: models.StreamType(streamType), ID: streamID}
	if !key.Type.Valid() {
		return StreamKey{}, fmt.Errorf("unknown stream type %q", streamType)
	}
	return key, nil
}
