package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"verifactu/internal/domain/invoice"
)

// DefaultStream is the redis stream ledger events are appended to.
const DefaultStream = "ledger:events"

// StreamAdder is the part of *redis.Client used by RedisStream.
type StreamAdder interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
}

// RedisStream appends events to a redis stream with XADD.
type RedisStream struct {
	client StreamAdder
	stream string
	maxLen int64
}

// NewRedisStream creates a stream sink. maxLen caps the stream
// approximately; zero keeps every entry.
func NewRedisStream(client StreamAdder, stream string, maxLen int64) *RedisStream {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisStream{client: client, stream: stream, maxLen: maxLen}
}

// Name implements Sink.
func (s *RedisStream) Name() string { return "redis:" + s.stream }

// Deliver implements Sink.
func (s *RedisStream) Deliver(ctx context.Context, event invoice.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	values := map[string]any{
		"type":        event.Type,
		"document_id": event.DocumentID.String(),
		"payload":     payload,
	}
	if event.Document != nil && event.Document.Series != nil {
		values["number"] = event.Document.FullNumber()
	}

	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return nil
}
