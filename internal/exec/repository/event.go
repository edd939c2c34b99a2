package repository

import (
	"context"
	"encoding/json"
	"time"

	"fuzexec/internal/common/mq"
	"fuzexec/internal/exec/model"
	appErr "fuzexec/pkg/errors"
)

// DefaultFinalStatusTopic receives one event per terminal submission.
const DefaultFinalStatusTopic = "exec.status.final"

// StatusEventFinal marks a terminal status event.
const StatusEventFinal = "final"

// StatusEvent is the payload published on the final-status topic.
type StatusEvent struct {
	Type      string         `json:"type"`
	Snapshot  model.Snapshot `json:"snapshot"`
	CreatedAt int64          `json:"created_at"`
}

// MQEventPublisher publishes terminal results to a message queue.
type MQEventPublisher struct {
	producer mq.Producer
	topic    string
}

// NewMQEventPublisher creates a publisher. An empty topic uses the default.
func NewMQEventPublisher(producer mq.Producer, topic string) *MQEventPublisher {
	if topic == "" {
		topic = DefaultFinalStatusTopic
	}
	return &MQEventPublisher{producer: producer, topic: topic}
}

func (p *MQEventPublisher) Name() string { return "mq_final_status" }

// Accepted is a no-op; only terminal results are published.
func (p *MQEventPublisher) Accepted(ctx context.Context, sub model.Submission) error {
	return nil
}

// Finished publishes the terminal snapshot keyed by submission id.
func (p *MQEventPublisher) Finished(ctx context.Context, sub model.Submission, res model.Result) error {
	result := res
	event := StatusEvent{
		Type: StatusEventFinal,
		Snapshot: model.Snapshot{
			ID:        sub.ID,
			State:     res.State,
			Identity:  sub.Identity,
			Language:  sub.Language,
			CreatedAt: sub.CreatedAt,
			Result:    &result,
		},
		CreatedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "encode status event failed")
	}
	msg := mq.NewMessage(payload)
	msg.ID = sub.ID
	msg.SetHeader("state", string(res.State))
	if err := p.producer.Publish(ctx, p.topic, msg); err != nil {
		return appErr.Wrapf(err, appErr.QueuePublishFailed, "publish status event failed")
	}
	return nil
}
