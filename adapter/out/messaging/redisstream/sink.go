// Package redisstream implements the out.EventSink port (job
// transitions, tree updates) over Redis Streams: one stream, XAdd with
// a JSON-encoded "data" field per event.
package redisstream

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"knowledgetree/core/port/out"
)

// Stream is the single Redis Stream every pipeline event is published
// to; consumers fan out by Event.Type.
const Stream = "knowledgetree:events"

// Sink implements out.EventSink over a Redis client.
type Sink struct {
	client *redis.Client
	stream string
}

func New(client *redis.Client) *Sink {
	return &Sink{client: client, stream: Stream}
}

var _ out.EventSink = (*Sink)(nil)

// Publish XAdds the event as a JSON-encoded "data" field. Best
// effort: the caller swallows the returned error as a warning rather
// than failing the pipeline on it.
func (s *Sink) Publish(ctx context.Context, event out.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		ID:     "*",
		Values: map[string]any{"data": string(data), "type": event.Type},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", s.stream, err)
	}
	return nil
}

// Consumer reads events back off the stream for out-of-process
// consumers (anything tailing job transitions or tree updates): a
// consumer-group read loop over the single stream this sink writes.
type Consumer struct {
	client *redis.Client
	stream string
	group  string
}

func NewConsumer(client *redis.Client, group string) *Consumer {
	return &Consumer{client: client, stream: Stream, group: group}
}

// Ensure creates the consumer group if it doesn't already exist; Redis
// returns BUSYGROUP when it does, which is not an error here.
func (c *Consumer) Ensure(ctx context.Context) error {
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "$").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		return fmt.Errorf("ensure consumer group: %w", err)
	}
	return nil
}

// Read blocks until the next batch of events is readable by
// consumerName within the group, acking each one it returns.
func (c *Consumer) Read(ctx context.Context, consumerName string, count int64) ([]out.Event, error) {
	res, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: consumerName,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    0,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("read consumer group: %w", err)
	}

	var events []out.Event
	for _, stream := range res {
		for _, msg := range stream.Messages {
			raw, ok := msg.Values["data"].(string)
			if !ok {
				continue
			}
			var ev out.Event
			if err := json.Unmarshal([]byte(raw), &ev); err != nil {
				continue
			}
			events = append(events, ev)
			c.client.XAck(ctx, c.stream, c.group, msg.ID)
		}
	}
	return events, nil
}
