package hipaa

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// DefaultAuditStream is the stream key used when none is configured.
const DefaultAuditStream = "critvalue:audit"

// RedisStreamSink appends audit events to a Redis stream so downstream
// compliance tooling can consume them with consumer groups.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream. maxLen caps the stream
// approximately; zero leaves it unbounded.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if stream == "" {
		stream = DefaultAuditStream
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStreamSink) Record(ctx context.Context, event AuditEvent) error {
	event.fill()
	values := map[string]interface{}{
		"id":          event.ID.String(),
		"type_code":   event.TypeCode,
		"action":      event.Action,
		"outcome":     event.Outcome,
		"entity_type": event.EntityType,
		"entity_id":   event.EntityID.String(),
		"recorded":    event.Recorded.Format(time.RFC3339Nano),
	}
	if event.OutcomeDesc != "" {
		values["outcome_desc"] = event.OutcomeDesc
	}
	if event.AgentName != "" {
		values["agent_name"] = event.AgentName
	}
	if event.PatientID != "" {
		values["patient_id"] = event.PatientID
	}
	if len(event.Detail) > 0 {
		detail, err := json.Marshal(event.Detail)
		if err != nil {
			return fmt.Errorf("hipaa audit stream: encode detail: %w", err)
		}
		values["detail"] = string(detail)
	}

	args := &redis.XAddArgs{Stream: s.stream, Values: values}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("hipaa audit stream: xadd %s: %w", s.stream, err)
	}
	return nil
}
