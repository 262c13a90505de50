// Package events advances delivery-log rows in response to engagement
// callbacks. Status only moves forward and each timestamp is written once.
package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/apperr"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/model"
)

// Event is an engagement callback type.
type Event string

const (
	Delivered Event = "delivered"
	Opened    Event = "opened"
	Clicked   Event = "clicked"
	Dismissed Event = "dismissed"
)

// Parse validates an event name.
func Parse(name string) (Event, error) {
	switch e := Event(strings.ToLower(strings.TrimSpace(name))); e {
	case Delivered, Opened, Clicked, Dismissed:
		return e, nil
	}
	return "", apperr.Validation("unknown event %q", name)
}

// Status is the delivery status the event maps to.
func (e Event) Status() model.DeliveryStatus {
	return model.DeliveryStatus(e)
}

// impliesDelivery reports whether the event proves the notification reached
// the device.
func (e Event) impliesDelivery() bool {
	return e == Opened || e == Clicked || e == Dismissed
}

// Priority orders delivery statuses. Unknown statuses rank with sent.
func Priority(s model.DeliveryStatus) int {
	switch s {
	case model.DeliveryFailed:
		return -1
	case model.DeliveryDelivered, model.DeliveryDismissed:
		return 1
	case model.DeliveryOpened:
		return 2
	case model.DeliveryClicked:
		return 3
	default:
		return 0
	}
}

// Apply performs the transition for e on l in place and reports whether
// the status changed. Store implementations without conditional updates
// must call it under their own lock.
func Apply(l *model.DeliveryLog, e Event, metadata map[string]any, at time.Time) bool {
	setOnce := func(field **time.Time) {
		if *field == nil {
			t := at
			*field = &t
		}
	}

	switch e {
	case Delivered:
		setOnce(&l.DeliveredAt)
	case Opened:
		setOnce(&l.OpenedAt)
	case Clicked:
		setOnce(&l.ClickedAt)
	case Dismissed:
		setOnce(&l.DismissedAt)
	}
	if e.impliesDelivery() {
		setOnce(&l.DeliveredAt)
	}

	changed := false
	if next := e.Status(); Priority(next) >= Priority(l.Status) && next != l.Status {
		l.Status = next
		changed = true
	}

	if len(metadata) > 0 {
		if l.Data == nil {
			l.Data = make(map[string]any)
		}
		perEvent, _ := l.Data["events"].(map[string]any)
		if perEvent == nil {
			perEvent = make(map[string]any)
		}
		perEvent[string(e)] = metadata
		l.Data["events"] = perEvent
	}

	t := at
	l.LastEventAt = &t
	l.UpdatedAt = at
	return changed
}

// Store applies an event atomically and returns the updated row. It returns
// an apperr NotFound for unknown ids and MigrationRequired when the schema
// lacks the event columns.
type Store interface {
	ApplyEvent(ctx context.Context, id uuid.UUID, e Event, metadata map[string]any, at time.Time) (*model.DeliveryLog, error)
}

// Service records engagement callbacks.
type Service struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Record validates and applies one callback.
func (s *Service) Record(ctx context.Context, logID, event string, metadata map[string]any) (*model.DeliveryLog, error) {
	if strings.TrimSpace(logID) == "" {
		return nil, apperr.Validation("logId is required")
	}
	id, err := uuid.Parse(logID)
	if err != nil {
		return nil, apperr.Validation("invalid logId %q", logID)
	}
	e, err := Parse(event)
	if err != nil {
		return nil, err
	}

	updated, err := s.store.ApplyEvent(ctx, id, e, metadata, s.now())
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInfrastructure {
			s.logger.Error("failed to apply event",
				zap.String("log_id", logID),
				zap.String("event", string(e)),
				zap.Error(err),
			)
		}
		return nil, err
	}

	metrics.RecordEventApplied(string(e), updated.Status == e.Status())
	s.logger.Debug("event applied",
		zap.String("log_id", logID),
		zap.String("event", string(e)),
		zap.String("status", string(updated.Status)),
	)
	return updated, nil
}
