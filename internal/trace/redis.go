package trace

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSink publishes trace events to a Redis stream via XADD, for live
// consumers tailing a running simulation. Fields mirror the canonical
// JSON encoding; zero-valued optionals are omitted.
type RedisSink struct {
	client *redis.Client
	stream string
	ctx    context.Context
}

// NewRedisSink connects to addr and targets the given stream key. The
// connection is verified with a ping before any event is written.
func NewRedisSink(ctx context.Context, addr, stream string) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis sink: ping %s: %w", addr, err)
	}
	return &RedisSink{client: client, stream: stream, ctx: ctx}, nil
}

func (s *RedisSink) WriteEvent(ev Event) error {
	values := map[string]any{
		"seq":  strconv.FormatUint(ev.Seq, 10),
		"time": ev.Time.UTC().Format(time.RFC3339Nano),
		"user": strconv.FormatUint(ev.User, 10),
		"kind": string(ev.Kind),
	}
	if ev.Circuit != 0 {
		values["circuit"] = strconv.FormatUint(ev.Circuit, 10)
	}
	if ev.Stream != 0 {
		values["stream"] = strconv.FormatUint(ev.Stream, 10)
	}
	if ev.Guard != "" {
		values["guard"] = string(ev.Guard)
	}
	if ev.Exit != "" {
		values["exit"] = string(ev.Exit)
	}
	if ev.Port != 0 {
		values["port"] = strconv.FormatUint(uint64(ev.Port), 10)
	}
	if ev.Bytes != 0 {
		values["bytes"] = strconv.FormatUint(ev.Bytes, 10)
	}
	if ev.Reason != "" {
		values["reason"] = ev.Reason
	}

	err := s.client.XAdd(s.ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis sink: xadd seq %d: %w", ev.Seq, err)
	}
	return nil
}

// Close closes the Redis connection. The stream stays behind for
// consumers.
func (s *RedisSink) Close() error {
	return s.client.Close()
}
