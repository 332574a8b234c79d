package publisher_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"judgebox/internal/common/cache"
	"judgebox/internal/common/mq"
	"judgebox/internal/judge/model"
	"judgebox/internal/judge/publisher"
	pkgerrors "judgebox/pkg/errors"
)

func sampleEvent(submissionID string) model.ResultEvent {
	return model.ResultEvent{
		SubmissionID: submissionID,
		Data: model.ResultEventData{
			Status: model.VerdictAccepted,
			Score:  100,
			Result: []model.TestcaseVerdict{
				{TestcaseID: "tc1", Input: "3 5", Expected: "8", Actual: "8", Passed: true, ExecutionTimeMs: 12},
			},
		},
	}
}

func TestRedisPublisherDeliversWireFormat(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	sub, err := c.Subscribe(context.Background(), "judge:results")
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	t.Cleanup(func() { _ = sub.Close() })

	pub, err := publisher.NewRedisPublisher(c, "")
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	if err := pub.PublishResult(context.Background(), sampleEvent("sub-1")); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	var payload string
	select {
	case payload = <-sub.Messages():
	case <-time.After(3 * time.Second):
		t.Fatal("no result event arrived on the channel")
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if _, ok := decoded["submissionId"]; !ok {
		t.Fatalf("event missing submissionId field: %s", payload)
	}
	var data struct {
		Status string            `json:"status"`
		Result []json.RawMessage `json:"result"`
		Score  int               `json:"score"`
	}
	if err := json.Unmarshal(decoded["data"], &data); err != nil {
		t.Fatalf("decode event data: %v", err)
	}
	if data.Status != "ACCEPTED" || data.Score != 100 || len(data.Result) != 1 {
		t.Fatalf("unexpected event data: %+v", data)
	}
}

func TestRedisPublisherRejectsEmptySubmissionID(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c, err := cache.NewRedisCacheWithClient(client)
	if err != nil {
		t.Fatalf("NewRedisCacheWithClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	pub, err := publisher.NewRedisPublisher(c, "judge:results")
	if err != nil {
		t.Fatalf("NewRedisPublisher: %v", err)
	}
	err = pub.PublishResult(context.Background(), model.ResultEvent{})
	if pkgerrors.GetCode(err) != pkgerrors.ValidationFailed {
		t.Fatalf("expected ValidationFailed, got %v", err)
	}
}

type fakeProducer struct {
	topics   []string
	messages []*mq.Message
	err      error
}

func (f *fakeProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	if f.err != nil {
		return f.err
	}
	f.topics = append(f.topics, topic)
	f.messages = append(f.messages, message)
	return nil
}

func (f *fakeProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, m := range messages {
		if err := f.Publish(ctx, topic, m); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeProducer) Ping(ctx context.Context) error { return f.err }

func (f *fakeProducer) Close() error { return nil }

func TestKafkaAnnouncerKeysBySubmission(t *testing.T) {
	t.Parallel()

	prod := &fakeProducer{}
	ann, err := publisher.NewKafkaAnnouncer(prod, "judge.results")
	if err != nil {
		t.Fatalf("NewKafkaAnnouncer: %v", err)
	}

	if err := ann.PublishResult(context.Background(), sampleEvent("sub-7")); err != nil {
		t.Fatalf("PublishResult: %v", err)
	}

	if len(prod.messages) != 1 || prod.topics[0] != "judge.results" {
		t.Fatalf("unexpected publish calls: topics=%v", prod.topics)
	}
	msg := prod.messages[0]
	if msg.ID != "sub-7" {
		t.Fatalf("message key = %q, want submission id", msg.ID)
	}
	var event model.ResultEvent
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if event.SubmissionID != "sub-7" || event.Data.Status != model.VerdictAccepted {
		t.Fatalf("unexpected body: %+v", event)
	}
}

func TestKafkaAnnouncerWrapsBrokerFailure(t *testing.T) {
	t.Parallel()

	prod := &fakeProducer{err: errors.New("broker down")}
	ann, err := publisher.NewKafkaAnnouncer(prod, "judge.results")
	if err != nil {
		t.Fatalf("NewKafkaAnnouncer: %v", err)
	}
	err = ann.PublishResult(context.Background(), sampleEvent("sub-8"))
	if pkgerrors.GetCode(err) != pkgerrors.PublishFailed {
		t.Fatalf("expected PublishFailed, got %v", err)
	}
}

type recordingPublisher struct {
	events []model.ResultEvent
	err    error
}

func (r *recordingPublisher) PublishResult(ctx context.Context, event model.ResultEvent) error {
	r.events = append(r.events, event)
	return r.err
}

func TestCompositePublisherAttemptsAllTargets(t *testing.T) {
	t.Parallel()

	failing := &recordingPublisher{err: pkgerrors.New(pkgerrors.PublishFailed)}
	healthy := &recordingPublisher{}
	comp := publisher.NewCompositePublisher(failing, nil, healthy)

	err := comp.PublishResult(context.Background(), sampleEvent("sub-9"))
	if pkgerrors.GetCode(err) != pkgerrors.PublishFailed {
		t.Fatalf("expected first failure back, got %v", err)
	}
	if len(failing.events) != 1 || len(healthy.events) != 1 {
		t.Fatalf("targets not all attempted: failing=%d healthy=%d", len(failing.events), len(healthy.events))
	}
}
