package jobs

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// NewPubSubClient connects to Pub/Sub, or to the emulator when emulatorHost is set.
func NewPubSubClient(ctx context.Context, projectID, emulatorHost string) (*pubsub.Client, error) {
	if projectID == "" {
		return nil, errors.New("jobs: pubsub project id is required")
	}
	var opts []option.ClientOption
	if emulatorHost != "" {
		opts = append(opts,
			option.WithEndpoint(emulatorHost),
			option.WithoutAuthentication(),
			option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("jobs: pubsub client: %w", err)
	}
	return client, nil
}

// PubSubPublisher publishes to one topic and waits for the server id.
type PubSubPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubPublisher wraps topic.
func NewPubSubPublisher(topic *pubsub.Topic) (*PubSubPublisher, error) {
	if topic == nil {
		return nil, errors.New("jobs: pubsub topic is required")
	}
	return &PubSubPublisher{topic: topic}, nil
}

func (p *PubSubPublisher) Publish(ctx context.Context, msg Message) (string, error) {
	out := &pubsub.Message{Data: msg.Data, Attributes: attributes(msg)}
	if p.topic.EnableMessageOrdering {
		out.OrderingKey = msg.Key
	}
	id, err := p.topic.Publish(ctx, out).Get(ctx)
	if err != nil {
		if out.OrderingKey != "" {
			p.topic.ResumePublish(out.OrderingKey)
		}
		return "", fmt.Errorf("jobs: publish to %s: %w", p.topic.ID(), err)
	}
	return id, nil
}

// Stop flushes pending publishes.
func (p *PubSubPublisher) Stop() {
	p.topic.Stop()
}
