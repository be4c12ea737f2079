// Package events implements the append-only event log: gap-free per-stream
// sequences, schema-validated payloads, query surfaces, and the in-process
// notifier the mailbox and websocket streams hang off.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

// Service owns the event log.
type Service struct {
	store    *store.Store
	registry *Registry
	notifier *Notifier
	logger   *slog.Logger
}

// NewService wires the event log over the store.
func NewService(st *store.Store, registry *Registry, notifier *Notifier, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		registry: registry,
		notifier: notifier,
		logger:   logger.With("component", "events"),
	}
}

// Notifier exposes the wakeup fabric to downstream subsystems.
func (s *Service) Notifier() *Notifier { return s.notifier }

// Registry exposes the schema registry.
func (s *Service) Registry() *Registry { return s.registry }

// AppendRequest carries everything an append needs. OccurredAt defaults to
// now; Data defaults to an empty object.
type AppendRequest struct {
	StreamType    models.StreamType
	StreamID      string
	EventType     string
	Data          json.RawMessage
	OccurredAt    *time.Time
	CausationID   string
	CorrelationID string
	Metadata      json.RawMessage
}

// Append validates, sequences, and persists one event, then wakes the
// stream's subscribers. Sequence allocation and insert share a write
// transaction, which keeps sequences gap-free under concurrency.
func (s *Service) Append(ctx context.Context, req AppendRequest) (*models.Event, error) {
	if !req.StreamType.Valid() {
		return nil, errs.InvalidField("stream_type", "unknown stream type %q", req.StreamType)
	}
	if req.StreamID == "" {
		return nil, errs.InvalidField("stream_id", "must not be empty")
	}
	data := req.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	if err := s.registry.Validate(req.EventType, req.StreamType, data); err != nil {
		return nil, err
	}
	if req.CausationID != "" && !ids.Valid(req.CausationID) {
		return nil, errs.InvalidField("causation_id", "malformed id %q", req.CausationID)
	}

	now := models.Now()
	occurred := now
	if req.OccurredAt != nil {
		occurred = req.OccurredAt.UTC()
	}

	event := &models.Event{
		EventID:       ids.NewEvent(),
		StreamType:    req.StreamType,
		StreamID:      req.StreamID,
		EventType:     req.EventType,
		Data:          data,
		OccurredAt:    occurred,
		RecordedAt:    now,
		CausationID:   req.CausationID,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
		SchemaVersion: 1,
	}

	err := s.store.RunInTx(ctx, func(tx *store.Store) error {
		seq, err := tx.NextSequence(ctx, req.StreamType, req.StreamID)
		if err != nil {
			return err
		}
		event.Sequence = seq
		return tx.InsertEvent(ctx, event)
	})
	if err != nil {
		return nil, fmt.Errorf("appending %s to %s/%s: %w", req.EventType, req.StreamType, req.StreamID, err)
	}

	s.notifier.Notify(*event)
	s.logger.Debug("Appended event",
		"event_type", event.EventType,
		"stream", string(event.StreamType)+"/"+event.StreamID,
		"sequence", event.Sequence)
	return event, nil
}

// QueryByStream returns a stream's events with sequence > after.
func (s *Service) QueryByStream(ctx context.Context, streamType models.StreamType, streamID string, after int64, limit int) ([]models.Event, error) {
	if !streamType.Valid() {
		return nil, errs.InvalidField("stream_type", "unknown stream type %q", streamType)
	}
	return s.store.ListEventsByStream(ctx, streamType, streamID, after, limit)
}

// QueryByType returns events of one type, optionally bounded by a recorded-at
// lower bound.
func (s *Service) QueryByType(ctx context.Context, eventType string, since *time.Time, limit int) ([]models.Event, error) {
	if _, ok := s.registry.Lookup(eventType); !ok {
		return nil, errs.InvalidField("event_type", "unregistered event type %q", eventType)
	}
	var sinceStr string
	if since != nil {
		sinceStr = since.UTC().Format(time.RFC3339Nano)
	}
	return s.store.ListEventsByType(ctx, eventType, sinceStr, limit)
}

// QueryByCorrelation returns the events of one logical flow.
func (s *Service) QueryByCorrelation(ctx context.Context, correlationID string) ([]models.Event, error) {
	if correlationID == "" {
		return nil, errs.InvalidField("correlation_id", "must not be empty")
	}
	return s.store.ListEventsByCorrelation(ctx, correlationID)
}

// GetLatest returns the newest event on a stream.
func (s *Service) GetLatest(ctx context.Context, streamType models.StreamType, streamID string) (*models.Event, error) {
	if !streamType.Valid() {
		return nil, errs.InvalidField("stream_type", "unknown stream type %q", streamType)
	}
	return s.store.LatestEvent(ctx, streamType, streamID)
}

// Get returns one event by id.
func (s *Service) Get(ctx context.Context, eventID string) (*models.Event, error) {
	if !ids.Valid(eventID) {
		return nil, errs.InvalidField("event_id", "malformed id %q", eventID)
	}
	return s.store.GetEvent(ctx, eventID)
}
