package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/hanko-field/storefront/internal/services"
)

// OrderEvent is the JSON payload published for every order notification.
type OrderEvent struct {
	OrderNumber string                    `json:"orderNumber"`
	Kind        services.NotificationKind `json:"kind"`
	OccurredAt  time.Time                 `json:"occurredAt"`
}

// PubSubNotifier publishes order notifications to a Pub/Sub topic. Delivery to devices is handled
// by subscribers of that topic.
type PubSubNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
	clock   func() time.Time
}

var _ services.OrderNotifier = (*PubSubNotifier)(nil)

// NewPubSubNotifier constructs a Pub/Sub backed order notifier.
func NewPubSubNotifier(topic *pubsub.Topic, clock func() time.Time) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &PubSubNotifier{
		topic:   topic,
		marshal: json.Marshal,
		clock:   clock,
	}, nil
}

// Notify publishes one event and waits for the server acknowledgement.
func (p *PubSubNotifier) Notify(ctx context.Context, orderNumber string, kind services.NotificationKind) error {
	if p == nil || p.topic == nil {
		return errors.New("pubsub notifier: not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return errors.New("pubsub notifier: order number is required")
	}

	data, err := p.marshal(OrderEvent{
		OrderNumber: orderNumber,
		Kind:        kind,
		OccurredAt:  p.clock().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order event: %w", err)
	}

	result := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"orderNumber": orderNumber,
			"kind":        string(kind),
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish order event: %w", err)
	}
	return nil
}
