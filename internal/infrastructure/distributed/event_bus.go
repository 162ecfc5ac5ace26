package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventKeyRotated   EventType = "key.rotated"
	EventShareStarted EventType = "share.started"
	EventShareEnded   EventType = "share.ended"
)

const eventsChannel = "voxrelay:events"

// Event is the envelope exchanged between relay nodes.
type Event struct {
	Type       EventType             `json:"type"`
	InstanceID string                `json:"instance_id"`
	Timestamp  time.Time             `json:"timestamp"`
	Channel    domain.ChannelID      `json:"channel_id"`
	KeyID      domain.KeyID          `json:"key_id,omitempty"`
	Share      *domain.ShareSession  `json:"share,omitempty"`
	Reason     domain.ShareEndReason `json:"reason,omitempty"`
}

// KeyRotatedFunc adopts a key id announced by another node.
type KeyRotatedFunc func(ctx context.Context, channel domain.ChannelID, id domain.KeyID) error

// EventBus fans relay events out to the other nodes over Redis pub/sub.
type EventBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

var _ ports.EventPublisher = (*EventBus)(nil)

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
		now:        time.Now,
	}
}

func (eb *EventBus) InstanceID() string {
	return eb.instanceID
}

// Publish stamps the event with this instance and sends it.
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = eb.now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if eb.client == nil {
		eb.logger.Debugw("event bus offline, event kept local",
			"type", event.Type,
			"channel_id", event.Channel,
		)
		return nil
	}

	if err := eb.client.Publish(ctx, eventsChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"channel_id", event.Channel,
	)
	return nil
}

func (eb *EventBus) PublishKeyRotated(ctx context.Context, channel domain.ChannelID, keyID domain.KeyID) error {
	return eb.Publish(ctx, &Event{
		Type:    EventKeyRotated,
		Channel: channel,
		KeyID:   keyID,
	})
}

func (eb *EventBus) PublishShareStarted(ctx context.Context, share *domain.ShareSession) error {
	return eb.Publish(ctx, &Event{
		Type:    EventShareStarted,
		Channel: share.Channel,
		Share:   share,
	})
}

func (eb *EventBus) PublishShareEnded(ctx context.Context, share *domain.ShareSession, reason domain.ShareEndReason) error {
	return eb.Publish(ctx, &Event{
		Type:    EventShareEnded,
		Channel: share.Channel,
		Share:   share,
		Reason:  reason,
	})
}

// Subscribe blocks until ctx is done, passing key rotations from other
// nodes to onKeyRotated. Share events are logged only; the floor is
// per node.
func (eb *EventBus) Subscribe(ctx context.Context, onKeyRotated KeyRotatedFunc) error {
	if eb.client == nil {
		<-ctx.Done()
		return ctx.Err()
	}

	pubsub := eb.client.Subscribe(ctx, eventsChannel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("event subscription closed")
			}
			eb.dispatch(ctx, msg.Payload, onKeyRotated)
		}
	}
}

func (eb *EventBus) dispatch(ctx context.Context, payload string, onKeyRotated KeyRotatedFunc) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event",
			"error", err,
			"payload", payload,
		)
		return
	}

	if event.InstanceID == eb.instanceID {
		return
	}

	switch event.Type {
	case EventKeyRotated:
		if err := onKeyRotated(ctx, event.Channel, event.KeyID); err != nil {
			eb.logger.Warnw("error handling event",
				"type", event.Type,
				"channel_id", event.Channel,
				"error", err,
			)
		}
	case EventShareStarted, EventShareEnded:
		eb.logger.Debugw("remote share event",
			"type", event.Type,
			"channel_id", event.Channel,
			"instance_id", event.InstanceID,
			"reason", event.Reason,
		)
	default:
		eb.logger.Debugw("ignoring unknown event", "type", event.Type)
	}
}
