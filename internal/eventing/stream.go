package eventing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/roach88/cascade/internal/ir"
)

// DefaultStream is the stream name used when none is configured.
const DefaultStream = "cascade_events"

// Stream publishes events to a Redis stream and reads them back through
// consumer groups.
type Stream struct {
	client *redis.Client
	name   string
	maxLen int64
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithMaxLen caps the stream at roughly n entries (XADD MAXLEN ~).
func WithMaxLen(n int64) StreamOption {
	return func(s *Stream) {
		s.maxLen = n
	}
}

// ConnectRedis creates a Redis client from a URL.
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewStream publishes to the named stream. An empty name uses DefaultStream.
func NewStream(client *redis.Client, name string, opts ...StreamOption) *Stream {
	if name == "" {
		name = DefaultStream
	}
	s := &Stream{client: client, name: name}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the stream name.
func (s *Stream) Name() string {
	return s.name
}

// Ping verifies the connection.
func (s *Stream) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Publish implements Sink.
func (s *Stream) Publish(ctx context.Context, e Event) error {
	_, err := s.PublishID(ctx, e)
	return err
}

// PublishID adds the event to the stream and returns the entry id.
func (s *Stream) PublishID(ctx context.Context, e Event) (string, error) {
	values, err := e.Values()
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: s.name,
		Values: values,
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("publish %s event: %w", e.Kind, err)
	}
	return id, nil
}

// Append implements engine.Journal synchronously.
func (s *Stream) Append(ctx context.Context, rec ir.ActionRecord) error {
	return s.Publish(ctx, RecordEvent(KindAppended, rec))
}

// Complete implements engine.Journal synchronously.
func (s *Stream) Complete(ctx context.Context, rec ir.ActionRecord) error {
	return s.Publish(ctx, RecordEvent(KindCompleted, rec))
}

// Fire implements engine.Journal synchronously.
func (s *Stream) Fire(ctx context.Context, f ir.Firing) error {
	return s.Publish(ctx, FiringEvent(f))
}

// EnsureGroup creates a consumer group reading from the start of the
// stream, creating the stream if needed. An existing group is fine.
func (s *Stream) EnsureGroup(ctx context.Context, group string) error {
	err := s.client.XGroupCreateMkStream(ctx, s.name, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", group, s.name, err)
	}
	return nil
}

// Delivery is one event read from the stream.
type Delivery struct {
	ID    string
	Event Event
}

// Read returns up to count new events for consumer in group, waiting at
// most block for the first one. A zero-length result means none arrived.
func (s *Stream) Read(ctx context.Context, group, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{s.name, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	var out []Delivery
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			e, err := DecodeEvent(msg.Values)
			if err != nil {
				return out, fmt.Errorf("message %s: %w", msg.ID, err)
			}
			out = append(out, Delivery{ID: msg.ID, Event: e})
		}
	}
	return out, nil
}

// Ack acknowledges delivered events.
func (s *Stream) Ack(ctx context.Context, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.client.XAck(ctx, s.name, group, ids...).Err(); err != nil {
		return fmt.Errorf("ack events: %w", err)
	}
	return nil
}

// Len returns the number of entries in the stream.
func (s *Stream) Len(ctx context.Context) (int64, error) {
	n, err := s.client.XLen(ctx, s.name).Result()
	if err != nil {
		return 0, fmt.Errorf("stream length: %w", err)
	}
	return n, nil
}
