// Package notify fans out appointment lifecycle events to downstream
// consumers (SMS, email and app push workers live outside this service).
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hms/opd/internal/platform/db"
)

const (
	BookingCreated     = "booking.created"
	BookingConfirmed   = "booking.confirmed"
	BookingRescheduled = "booking.rescheduled"
	BookingCancelled   = "booking.cancelled"
	BookingCheckedIn   = "booking.checked_in"
	BookingInSession   = "booking.in_session"
	BookingCompleted   = "booking.completed"
	BookingNoShow      = "booking.no_show"
	BookingDisplaced   = "booking.needs_reschedule"

	ModificationCreated = "modification.created"
	ModificationDecided = "modification.decided"
)

// Event is the message published for every committed lifecycle change.
type Event struct {
	ID         uuid.UUID         `json:"id"`
	Type       string            `json:"type"`
	TenantID   string            `json:"tenant_id,omitempty"`
	SubjectID  uuid.UUID         `json:"subject_id"`
	PatientID  *uuid.UUID        `json:"patient_id,omitempty"`
	DoctorID   *uuid.UUID        `json:"doctor_id,omitempty"`
	ActorID    *uuid.UUID        `json:"actor_id,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// NewEvent stamps an event with an id and the current time.
func NewEvent(eventType string, subjectID uuid.UUID) Event {
	return Event{
		ID:         uuid.New(),
		Type:       eventType,
		SubjectID:  subjectID,
		OccurredAt: time.Now().UTC(),
	}
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher publishes JSON events on a Redis pub/sub channel and keeps
// a capped replay list per channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	backlog int64
	logger  zerolog.Logger
}

func NewRedisPublisher(client *redis.Client, channel string, logger zerolog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel, backlog: 1000, logger: logger}
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (p *RedisPublisher) BacklogKey() string {
	return p.channel + ":backlog"
}

func (p *RedisPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.Type, err)
	}

	pipe := p.client.TxPipeline()
	pipe.Publish(ctx, p.channel, data)
	pipe.LPush(ctx, p.BacklogKey(), data)
	pipe.LTrim(ctx, p.BacklogKey(), 0, p.backlog-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish event %s: %w", evt.Type, err)
	}

	p.logger.Debug().
		Str("event_id", evt.ID.String()).
		Str("type", evt.Type).
		Str("subject_id", evt.SubjectID.String()).
		Msg("event published")
	return nil
}

// Ping checks broker connectivity for the health endpoint.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Recent returns up to n most recent events from the replay list.
func (p *RedisPublisher) Recent(ctx context.Context, n int64) ([]Event, error) {
	raw, err := p.client.LRange(ctx, p.BacklogKey(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read backlog: %w", err)
	}
	events := make([]Event, 0, len(raw))
	for _, r := range raw {
		var evt Event
		if err := json.Unmarshal([]byte(r), &evt); err != nil {
			return nil, fmt.Errorf("decode backlog entry: %w", err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// Emit publishes evt and logs instead of failing: the state change has
// already committed when events are emitted.
func Emit(ctx context.Context, pub Publisher, logger zerolog.Logger, evt Event) {
	if pub == nil {
		return
	}
	if evt.TenantID == "" {
		evt.TenantID = db.TenantFromContext(ctx)
	}
	if err := pub.Publish(ctx, evt); err != nil {
		logger.Warn().Err(err).Str("type", evt.Type).Str("subject_id", evt.SubjectID.String()).Msg("event publish failed")
	}
}
