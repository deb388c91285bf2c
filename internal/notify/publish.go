package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"iot-control/internal/models"
)

// Publisher is the subset of a transport the publish channel needs
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublishChannel republishes alerts as JSON on a transport topic
type PublishChannel struct {
	publisher Publisher
	topic     string
}

func NewPublishChannel(publisher Publisher, topic string) *PublishChannel {
	if topic == "" {
		topic = "alert"
	}
	return &PublishChannel{publisher: publisher, topic: topic}
}

func (c *PublishChannel) Name() string { return "transport" }

func (c *PublishChannel) Send(ctx context.Context, event *models.AlertEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	return c.publisher.Publish(ctx, c.topic, payload)
}

// AlertStore persists alerts
type AlertStore interface {
	SaveAlertEvent(ctx context.Context, event *models.AlertEvent) error
}

// StoreChannel writes alerts to an AlertStore
type StoreChannel struct {
	store AlertStore
}

func NewStoreChannel(store AlertStore) *StoreChannel {
	return &StoreChannel{store: store}
}

func (c *StoreChannel) Name() string { return "clickhouse" }

func (c *StoreChannel) Send(ctx context.Context, event *models.AlertEvent) error {
	return c.store.SaveAlertEvent(ctx, event)
}
