package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ActivityChannel is the pub/sub channel live dashboards subscribe to.
const ActivityChannel = "luthien:activity"

// activityMessage is the wire shape published on the activity channel.
type activityMessage struct {
	CallID    string    `json:"call_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// RedisSink publishes every record on the activity pub/sub channel.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink connects to the Redis named by url (redis://…).
func NewRedisSink(url string) (*RedisSink, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &RedisSink{client: redis.NewClient(opts)}, nil
}

// NewRedisSinkFromClient wraps an existing client, mainly for tests.
func NewRedisSinkFromClient(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Deliver(ctx context.Context, rec *Record) error {
	msg := activityMessage{
		CallID:    rec.TransactionID,
		EventType: rec.RecordType,
		Timestamp: rec.Timestamp,
		Data:      rec.Data,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode activity message: %w", err)
	}
	return s.client.Publish(ctx, ActivityChannel, payload).Err()
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
