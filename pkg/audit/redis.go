package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream key events are appended to.
const DefaultStream = "wheel:audit"

// RedisSink appends events to a Redis stream, one entry per event with
// the JSON-encoded event under the "event" field.
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a sink for the Redis server at addr. A zero maxLen
// leaves the stream unbounded; otherwise it is trimmed approximately.
func NewRedisSink(addr, password string, db int, stream string, maxLen int64) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisSinkFromClient(rdb, stream, maxLen)
}

// NewRedisSinkFromClient wraps an existing client.
func NewRedisSinkFromClient(client *redis.Client, stream string, maxLen int64) *RedisSink {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

// Ping reports whether the server is reachable.
func (s *RedisSink) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisSink) Write(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{"spoke_id": e.SpokeID, "event": string(data)},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("audit: xadd %s: %w", s.stream, err)
	}
	return nil
}

// Range returns up to count events from the start of the stream.
func (s *RedisSink) Range(ctx context.Context, count int64) ([]Event, error) {
	msgs, err := s.client.XRangeN(ctx, s.stream, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("audit: xrange %s: %w", s.stream, err)
	}
	events := make([]Event, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values["event"].(string)
		if !ok {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("audit: decode stream entry %s: %w", m.ID, err)
		}
		events = append(events, e)
	}
	return events, nil
}

// Close closes the client.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
