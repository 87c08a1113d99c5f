package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
)

// CorrectionEvent is published after a correction commits. The push handler uses
// it to run a targeted learning pass for the correction's rule key.
type CorrectionEvent struct {
	CorrectionId  int       `json:"correction_id"`
	BusinessId    string    `json:"business_id"`
	EntityType    string    `json:"entity_type"`
	FieldName     string    `json:"field_name"`
	CreatedAt     time.Time `json:"created_at"`
	CorrelationId string    `json:"correlation_id"`
}

var (
	pubsubClient   *pubsub.Client
	pubsubClientMu sync.Mutex
)

// GetClient returns the shared Pub/Sub client, creating it on first use. It uses
// Application Default Credentials unless PUBSUB_CREDENTIALS_JSON is set.
func GetClient(ctx context.Context) (*pubsub.Client, error) {
	pubsubClientMu.Lock()
	defer pubsubClientMu.Unlock()
	if pubsubClient != nil {
		return pubsubClient, nil
	}

	projectID := pubSubProjectID()
	if projectID == "" {
		return nil, errors.New("PUBSUB_PROJECT_ID/GOOGLE_CLOUD_PROJECT not set")
	}
	var opts []option.ClientOption
	if credJSON := os.Getenv("PUBSUB_CREDENTIALS_JSON"); credJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credJSON)))
	}
	err := connectWithRetry(ctx, "pubsub", 5, func() error {
		c, err := pubsub.NewClient(ctx, projectID, opts...)
		if err != nil {
			return err
		}
		pubsubClient = c
		return nil
	})
	return pubsubClient, err
}

func pubSubProjectID() string {
	for _, k := range []string{"PUBSUB_PROJECT_ID", "GOOGLE_CLOUD_PROJECT", "GCP_PROJECT"} {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// PubSubEnabled is false when no project is configured; publishing then becomes a no-op.
func PubSubEnabled() bool {
	return pubSubProjectID() != "" && CorrectionsTopic() != ""
}

func CorrectionsTopic() string {
	return os.Getenv("PUBSUB_CORRECTIONS_TOPIC")
}

func CreateTopicIfNotExists(ctx context.Context, c *pubsub.Client, topic string) (*pubsub.Topic, error) {
	if c == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if topic == "" {
		return nil, errors.New("topic is required")
	}
	t := c.Topic(topic)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return t, nil
	}
	t, err = c.CreateTopic(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", topic, err)
	}
	return t, nil
}

// CreatePushSubscriptionIfNotExists creates a push subscription when pushEndpoint is set,
// otherwise a pull subscription.
func CreatePushSubscriptionIfNotExists(ctx context.Context, client *pubsub.Client, name string, topic *pubsub.Topic, pushEndpoint string) (*pubsub.Subscription, error) {
	if client == nil {
		return nil, errors.New("pubsub client is nil")
	}
	if name == "" {
		return nil, errors.New("subscription name is required")
	}
	if topic == nil {
		return nil, errors.New("topic is required")
	}
	sub := client.Subscription(name)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription exists: %w", err)
	}
	if exists {
		return sub, nil
	}
	cfg := pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 60 * time.Second,
	}
	if pushEndpoint != "" {
		cfg.PushConfig = pubsub.PushConfig{Endpoint: pushEndpoint}
	}
	sub, err = client.CreateSubscription(ctx, name, cfg)
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", name, err)
	}
	return sub, nil
}

// PublishCorrectionEvent publishes and returns the server-assigned message id.
// The business id is used as ordering key so one tenant's corrections arrive in order.
func PublishCorrectionEvent(ctx context.Context, evt CorrectionEvent) (string, error) {
	if !PubSubEnabled() {
		return "", nil
	}
	client, err := GetClient(ctx)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return "", err
	}
	t := client.Topic(CorrectionsTopic())
	t.EnableMessageOrdering = true
	result := t.Publish(ctx, &pubsub.Message{
		Data:        payload,
		OrderingKey: evt.BusinessId,
		Attributes: map[string]string{
			"business_id": evt.BusinessId,
			"entity_type": evt.EntityType,
		},
	})
	return result.Get(ctx)
}
