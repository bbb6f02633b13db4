// Package sink forwards exported line protocol to destinations other than
// stdout.
package sink

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub/v2"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// Message attributes understood by Telegraf's cloud_pubsub input.
const (
	AttrContentType = "content-type"
	AttrRunID       = "run_id"

	ContentTypeInflux = "text/plain; format=influx"
)

// ErrPublish reports a Pub/Sub publish failure.
var ErrPublish = errors.New("pubsub publish error")

// PubSubConfig holds configuration for the Pub/Sub publisher.
type PubSubConfig struct {
	ProjectID string
	Topic     string
	Logger    zerolog.Logger

	// ClientOptions are passed to pubsub.NewClient (endpoint, credentials).
	ClientOptions []option.ClientOption
}

// PubSubPublisher publishes one message per export run.
type PubSubPublisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
	topic     string
	logger    zerolog.Logger
}

// NewPubSubPublisher creates a Pub/Sub client and a publisher for cfg.Topic.
func NewPubSubPublisher(ctx context.Context, cfg PubSubConfig) (*PubSubPublisher, error) {
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, cfg.ClientOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	publisher := client.Publisher(cfg.Topic)
	// A run produces a single message; send it as soon as it is published.
	publisher.PublishSettings.CountThreshold = 1

	return &PubSubPublisher{
		client:    client,
		publisher: publisher,
		topic:     cfg.Topic,
		logger:    cfg.Logger,
	}, nil
}

// Publish sends the lines of one run and waits for the server to accept
// them. An empty payload is not published.
func (p *PubSubPublisher) Publish(ctx context.Context, payload []byte, runID string) error {
	msg := NewMessage(payload, runID)
	if msg == nil {
		p.logger.Debug().Str("topic", p.topic).Msg("nothing to publish")
		return nil
	}

	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return fmt.Errorf("%w: topic %s: %v", ErrPublish, p.topic, err)
	}

	p.logger.Debug().
		Str("topic", p.topic).
		Str("message_id", id).
		Int("bytes", len(msg.Data)).
		Msg("published lines")

	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubPublisher) Close() error {
	p.publisher.Stop()
	return p.client.Close()
}

// NewMessage builds the Pub/Sub message for one run: the newline separated
// lines without a trailing newline. It returns nil when payload holds no line.
func NewMessage(payload []byte, runID string) *pubsub.Message {
	data := bytes.TrimRight(payload, "\n")
	if len(data) == 0 {
		return nil
	}

	attrs := map[string]string{AttrContentType: ContentTypeInflux}
	if runID != "" {
		attrs[AttrRunID] = runID
	}

	return &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	}
}
