package mq

import (
	"context"
	"testing"
	"time"
)

func TestToKafkaMessage(t *testing.T) {
	msg := NewMessage([]byte(`{"state":"Completed"}`))
	msg.ID = "sub-1"
	msg.SetHeader("event", "final")

	km := toKafkaMessage("exec.status.final", msg)
	if km.Topic != "exec.status.final" || string(km.Key) != "sub-1" {
		t.Fatalf("unexpected topic/key: %s %s", km.Topic, km.Key)
	}
	headers := make(map[string]string)
	for _, h := range km.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers["event"] != "final" || headers[headerID] != "sub-1" {
		t.Fatalf("unexpected headers %v", headers)
	}
	if _, err := time.Parse(time.RFC3339Nano, headers[headerTimestamp]); err != nil {
		t.Fatalf("timestamp header not RFC3339: %v", err)
	}
}

func TestNewKafkaProducerRequiresBrokers(t *testing.T) {
	if _, err := NewKafkaProducer(KafkaConfig{}); err == nil {
		t.Fatalf("expected error without brokers")
	}
}

func TestPublishValidatesInput(t *testing.T) {
	p, err := NewKafkaProducer(KafkaConfig{Brokers: []string{"127.0.0.1:1"}})
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer p.Close()
	if err := p.Publish(context.Background(), "topic", nil); err == nil {
		t.Fatalf("expected error for nil message")
	}
	if err := p.Publish(context.Background(), "", NewMessage(nil)); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := p.PublishBatch(context.Background(), "topic", nil); err == nil {
		t.Fatalf("expected error for empty batch")
	}
}
