package pubsub

import (
	"context"
	"errors"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
)

// Client owns the Pub/Sub connection behind a Publisher.
type Client struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// FullTopicName returns the resource name of a topic.
func FullTopicName(projectID, topicID string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topicID)
}

// Connect dials Pub/Sub (Application Default Credentials unless opts say
// otherwise) and verifies that the topic exists and is not in an ingestion
// error state. Plain topics report STATE_UNSPECIFIED.
func Connect(ctx context.Context, projectID, topicID string, opts ...option.ClientOption) (*Client, error) {
	if projectID == "" || topicID == "" {
		return nil, errors.New("pubsub project id and topic name are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	name := FullTopicName(projectID, topicID)
	topic, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err != nil {
		return nil, errors.Join(fmt.Errorf("get pubsub topic %q: %w", topicID, err), client.Close())
	}
	if topic.GetState() == pubsubpb.Topic_INGESTION_RESOURCE_ERROR {
		return nil, errors.Join(fmt.Errorf("pubsub topic %q in project %q has an ingestion error", topicID, projectID), client.Close())
	}
	return &Client{client: client, publisher: client.Publisher(name)}, nil
}

// Publisher returns a Publisher bound to the verified topic.
func (c *Client) Publisher() *Publisher {
	return New(c.publisher)
}

// Close flushes pending messages and closes the connection.
func (c *Client) Close() error {
	c.publisher.Stop()
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
