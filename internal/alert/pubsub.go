package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"

	"github.com/pumpsync/pumpsync/internal/pump"
)

// PubSubConfig holds configuration for the Pub/Sub publisher.
type PubSubConfig struct {
	ProjectID string
	TopicID   string
	Logger    zerolog.Logger
}

// PubSubPublisher forwards advisories to a Google Cloud Pub/Sub topic.
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topicID   string
	logger    zerolog.Logger
}

// NewPubSubPublisher creates a publisher for the configured topic.
func NewPubSubPublisher(ctx context.Context, cfg PubSubConfig) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	return &PubSubPublisher{
		client:    client,
		publisher: client.Publisher(cfg.TopicID),
		topicID:   cfg.TopicID,
		logger:    cfg.Logger,
	}, nil
}

// NewMessage encodes an advisory as a Pub/Sub message. The advisory type
// and device are copied into attributes so subscriptions can filter on them.
func NewMessage(event pump.Advisory) (*pubsub.Message, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encoding advisory: %w", err)
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"advisory_id": event.ID,
			"type":        string(event.Type),
			"device_id":   event.DeviceID,
		},
	}, nil
}

// Publish implements pump.AlertSink. It waits for the server to acknowledge
// the message.
func (p *PubSubPublisher) Publish(ctx context.Context, event pump.Advisory) error {
	msg, err := NewMessage(event)
	if err != nil {
		return err
	}

	serverID, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publishing advisory to %s: %w", p.topicID, err)
	}

	p.logger.Debug().
		Str("message_id", serverID).
		Str("type", string(event.Type)).
		Msg("advisory published")
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}
