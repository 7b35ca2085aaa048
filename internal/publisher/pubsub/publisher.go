// Package pubsub publishes job completion events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog/log"

	"github.com/Rorqualx/scrollharvest/internal/job"
)

type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) *pubsub.PublishResult
	Stop()
}

// Publisher wraps a Pub/Sub topic publisher.
type Publisher struct {
	publisher topicPublisher
	client    *pubsub.Client
}

// Connect creates a client for projectID and a publisher for topic.
func Connect(ctx context.Context, projectID, topic string) (*Publisher, error) {
	if projectID == "" || topic == "" {
		return nil, fmt.Errorf("pubsub project and topic are required")
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{publisher: client.Publisher(topic), client: client}, nil
}

// New creates a Publisher for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	if publisher == nil {
		return &Publisher{}
	}
	return &Publisher{publisher: publisher}
}

// Notify marshals the event to JSON and publishes it, waiting for the
// server to acknowledge.
func (p *Publisher) Notify(ctx context.Context, ev job.Event) error {
	if p.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := eventMessage(ev)
	if err != nil {
		return err
	}

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	log.Debug().Str("job_id", ev.JobID).Str("message_id", id).Msg("Job event published")
	return nil
}

// Close flushes pending messages and closes the client if Connect created it.
func (p *Publisher) Close() error {
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}

// eventMessage builds the message. Attributes let subscribers filter
// without decoding the body.
func eventMessage(ev job.Event) (*pubsub.Message, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_id":     ev.JobID,
			"platform":   ev.Platform,
			"status":     string(ev.Status),
			"end_reason": string(ev.EndReason),
		},
	}, nil
}
