// Package publisher announces terminal judge results to the channels
// the rest of the platform listens on: Redis pub/sub for the API nodes
// pushing live updates, Kafka for durable downstream consumers.
package publisher

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/mq"
	"judgebox/internal/judge/model"
	appErr "judgebox/pkg/errors"
	"judgebox/pkg/utils/logger"
)

// DefaultChannel is the Redis pub/sub channel result events go out on.
const DefaultChannel = "judge:results"

// ResultPublisher delivers one terminal result event per job.
type ResultPublisher interface {
	PublishResult(ctx context.Context, event model.ResultEvent) error
}

// RedisPublisher broadcasts result events over Redis pub/sub. Delivery
// is fire-and-forget: subscribers that are offline simply miss the
// event, which is fine because the durable copy lives in the database.
type RedisPublisher struct {
	pubsub  cache.PubSubOps
	channel string
}

// NewRedisPublisher builds a publisher on an existing cache connection.
func NewRedisPublisher(pubsub cache.PubSubOps, channel string) (*RedisPublisher, error) {
	if pubsub == nil {
		return nil, appErr.ValidationError("pubsub", "required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{pubsub: pubsub, channel: channel}, nil
}

func (p *RedisPublisher) PublishResult(ctx context.Context, event model.ResultEvent) error {
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "encode result event failed").
			WithDetail("submission_id", event.SubmissionID)
	}
	if err := p.pubsub.Publish(ctx, p.channel, string(payload)); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish result event failed").
			WithDetail("submission_id", event.SubmissionID).
			WithDetail("channel", p.channel)
	}
	logger.Debug(ctx, "result event published",
		zap.String("submission_id", event.SubmissionID),
		zap.String("channel", p.channel),
		zap.String("status", string(event.Data.Status)))
	return nil
}

// KafkaAnnouncer mirrors result events onto a Kafka topic. The message
// key is the submission id, so every event for one submission lands on
// the same partition in order.
type KafkaAnnouncer struct {
	producer mq.Producer
	topic    string
}

// NewKafkaAnnouncer builds an announcer on an existing producer.
func NewKafkaAnnouncer(producer mq.Producer, topic string) (*KafkaAnnouncer, error) {
	if producer == nil {
		return nil, appErr.ValidationError("producer", "required")
	}
	if topic == "" {
		return nil, appErr.ValidationError("topic", "required")
	}
	return &KafkaAnnouncer{producer: producer, topic: topic}, nil
}

func (a *KafkaAnnouncer) PublishResult(ctx context.Context, event model.ResultEvent) error {
	if event.SubmissionID == "" {
		return appErr.ValidationError("submission_id", "required")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "encode result event failed").
			WithDetail("submission_id", event.SubmissionID)
	}
	message := mq.NewMessage(payload)
	message.ID = event.SubmissionID
	message.SetHeader("x-event-type", "judge-result")
	if err := a.producer.Publish(ctx, a.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "announce result event failed").
			WithDetail("submission_id", event.SubmissionID).
			WithDetail("topic", a.topic)
	}
	return nil
}

// CompositePublisher fans one event out to every configured target.
// A failing target does not stop the others; the first failure is
// returned after all targets were attempted.
type CompositePublisher struct {
	targets []ResultPublisher
}

// NewCompositePublisher combines publishers. Nil targets are skipped so
// callers can pass optional publishers straight through.
func NewCompositePublisher(targets ...ResultPublisher) *CompositePublisher {
	kept := make([]ResultPublisher, 0, len(targets))
	for _, t := range targets {
		if t != nil {
			kept = append(kept, t)
		}
	}
	return &CompositePublisher{targets: kept}
}

func (c *CompositePublisher) PublishResult(ctx context.Context, event model.ResultEvent) error {
	var firstErr error
	for _, target := range c.targets {
		if err := target.PublishResult(ctx, event); err != nil {
			logger.Warn(ctx, "result publish target failed",
				zap.String("submission_id", event.SubmissionID),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var (
	_ ResultPublisher = (*RedisPublisher)(nil)
	_ ResultPublisher = (*KafkaAnnouncer)(nil)
	_ ResultPublisher = (*CompositePublisher)(nil)
)
