package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Message is one unit of work or outbound mail.
type Message struct {
	Key        string
	Data       []byte
	Attributes map[string]string
}

// Publisher hands a message to a transport and returns the transport's id for it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) (string, error)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, msg Message) (string, error)

func (f PublisherFunc) Publish(ctx context.Context, msg Message) (string, error) {
	return f(ctx, msg)
}

// PushEnvelope is the body Pub/Sub push subscriptions POST to an endpoint.
type PushEnvelope struct {
	Message struct {
		Data        []byte            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		OrderingKey string            `json:"orderingKey"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// ErrInvalidEnvelope is returned for malformed push bodies.
var ErrInvalidEnvelope = errors.New("jobs: invalid push envelope")

// DecodePushEnvelope converts a push body into a Message. The key comes from
// the ordering key, falling back to the "key" attribute.
func DecodePushEnvelope(body []byte) (Message, string, error) {
	var env PushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Message{}, "", fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if env.Message.MessageID == "" {
		return Message{}, "", fmt.Errorf("%w: message id missing", ErrInvalidEnvelope)
	}
	key := strings.TrimSpace(env.Message.OrderingKey)
	if key == "" {
		key = strings.TrimSpace(env.Message.Attributes[AttrKey])
	}
	return Message{Key: key, Data: env.Message.Data, Attributes: env.Message.Attributes}, env.Message.MessageID, nil
}

// AttrKey carries Message.Key on transports without native keys.
const AttrKey = "key"

func attributes(msg Message) map[string]string {
	attrs := make(map[string]string, len(msg.Attributes)+1)
	for k, v := range msg.Attributes {
		if v = strings.TrimSpace(v); v != "" {
			attrs[k] = v
		}
	}
	if msg.Key != "" {
		attrs[AttrKey] = msg.Key
	}
	return attrs
}
