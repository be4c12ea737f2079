// Package mailbox implements at-least-once, per-stream-ordered message
// delivery over the event log: posts append mailbox events, polls long-poll
// on the notifier, and cursors acknowledge delivery.
package mailbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/flightline/fleet/pkg/errs"
	"github.com/flightline/fleet/pkg/events"
	"github.com/flightline/fleet/pkg/ids"
	"github.com/flightline/fleet/pkg/models"
	"github.com/flightline/fleet/pkg/store"
)

// Service owns mailboxes and cursors.
type Service struct {
	store  *store.Store
	events *events.Service
	logger *slog.Logger
}

// NewService wires the mailbox engine.
func NewService(st *store.Store, ev *events.Service, logger *slog.Logger) *Service {
	return &Service{store: st, events: ev, logger: logger.With("component", "mailbox")}
}

// Post appends a message to a mailbox and wakes its waiters.
func (s *Service) Post(ctx context.Context, mailboxID, from string, data json.RawMessage, correlationID string) (*models.Event, error) {
	if mailboxID == "" {
		return nil, errs.InvalidField("mailbox_id", "must not be empty")
	}
	payload := data
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var metadata json.RawMessage
	if from != "" {
		metadata = json.RawMessage(fmt.Sprintf(`{"from":%q}`, from))
	}
	return s.events.Append(ctx, events.AppendRequest{
		StreamType:    models.StreamMailbox,
		StreamID:      mailboxID,
		EventType:     "mailbox_message",
		Data:          payload,
		CorrelationID: correlationID,
		Metadata:      metadata,
	})
}

// Broadcast posts to the shared broadcast mailbox. There is no implicit
// fan-out; consumers poll it explicitly.
func (s *Service) Broadcast(ctx context.Context, from string, data json.RawMessage, correlationID string) (*models.Event, error) {
	return s.Post(ctx, models.BroadcastMailbox, from, data, correlationID)
}

// Poll returns a mailbox's events past the consumer's cursor. With an empty
// backlog it blocks up to wait for a new message, then returns whatever
// arrived, possibly nothing. Delivery does not move the cursor; consumers
// acknowledge via Advance, which is what makes delivery at-least-once.
func (s *Service) Poll(ctx context.Context, mailboxID, consumerID string, maxEvents int, wait time.Duration) ([]models.Event, error) {
	if mailboxID == "" {
		return nil, errs.InvalidField("mailbox_id", "must not be empty")
	}
	if consumerID == "" {
		return nil, errs.InvalidField("consumer_id", "must not be empty")
	}
	if maxEvents <= 0 {
		maxEvents = 100
	}

	position, err := s.cursorPosition(ctx, mailboxID, consumerID)
	if err != nil {
		return nil, err
	}

	pending, err := s.store.ListEventsByStream(ctx, models.StreamMailbox, mailboxID, position, maxEvents)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 || wait <= 0 {
		return pending, nil
	}

	// Subscribe before the re-check so a message posted in between is not
	// lost.
	wake, cancel := s.events.Notifier().Subscribe(events.StreamKey{Type: models.StreamMailbox, ID: mailboxID})
	defer cancel()

	pending, err = s.store.ListEventsByStream(ctx, models.StreamMailbox, mailboxID, position, maxEvents)
	if err != nil || len(pending) > 0 {
		return pending, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: poll on %s interrupted", errs.ErrCancelled, mailboxID)
	case <-timer.C:
		return nil, nil
	case <-wake:
		return s.store.ListEventsByStream(ctx, models.StreamMailbox, mailboxID, position, maxEvents)
	}
}

// Advance acknowledges delivery up to position. Positions never move
// backwards; re-acknowledging the current position is a no-op so redelivered
// batches stay idempotent.
func (s *Service) Advance(ctx context.Context, mailboxID, consumerID string, position int64) (*models.Cursor, error) {
	if position < 0 {
		return nil, errs.InvalidField("position", "must be non-negative")
	}
	cursor := &models.Cursor{
		CursorID:   ids.New(ids.PrefixCursor),
		StreamType: models.StreamMailbox,
		StreamID:   mailboxID,
		ConsumerID: consumerID,
		Position:   position,
		UpdatedAt:  models.Now(),
	}
	ok, err := s.store.AdvanceCursor(ctx, cursor)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("cursor on %s for %s would regress to %d: %w",
			mailboxID, consumerID, position, errs.ErrCursorRegression)
	}
	return s.store.GetCursor(ctx, models.StreamMailbox, mailboxID, consumerID)
}

// MailboxStatus reports one mailbox's cursor and backlog for a consumer.
type MailboxStatus struct {
	MailboxID string `json:"mailbox_id"`
	Position  int64  `json:"position"`
	Pending   int64  `json:"pending"`
}

// Status lists every mailbox a consumer holds a cursor on, with backlog
// counts.
func (s *Service) Status(ctx context.Context, consumerID string) ([]MailboxStatus, error) {
	if consumerID == "" {
		return nil, errs.InvalidField("consumer_id", "must not be empty")
	}
	cursors, err := s.store.ListCursorsByConsumer(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	out := make([]MailboxStatus, 0, len(cursors))
	for _, c := range cursors {
		if c.StreamType != models.StreamMailbox {
			continue
		}
		pending, err := s.store.CountEventsAfter(ctx, models.StreamMailbox, c.StreamID, c.Position)
		if err != nil {
			return nil, err
		}
		out = append(out, MailboxStatus{MailboxID: c.StreamID, Position: c.Position, Pending: pending})
	}
	return out, nil
}

// Snapshot captures a consumer's mailbox cursors and undelivered events, used
// by checkpointing.
func (s *Service) Snapshot(ctx context.Context, consumerID string) ([]models.MailboxSnapshot, error) {
	cursors, err := s.store.ListCursorsByConsumer(ctx, consumerID)
	if err != nil {
		return nil, err
	}
	var out []models.MailboxSnapshot
	for _, c := range cursors {
		if c.StreamType != models.StreamMailbox {
			continue
		}
		pending, err := s.store.ListEventsByStream(ctx, models.StreamMailbox, c.StreamID, c.Position, 0)
		if err != nil {
			return nil, err
		}
		out = append(out, models.MailboxSnapshot{
			MailboxID: c.StreamID,
			Position:  c.Position,
			Pending:   pending,
		})
	}
	return out, nil
}

func (s *Service) cursorPosition(ctx context.Context, mailboxID, consumerID string) (int64, error) {
	cursor, err := s.store.GetCursor(ctx, models.StreamMailbox, mailboxID, consumerID)
	switch {
	case err == nil:
		return cursor.Position, nil
	case errors.Is(err, errs.ErrNotFound):
		return 0, nil
	default:
		return 0, err
	}
}
