package streams

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a stream as part of a consumer group.
// Messages it cannot decode are acked and dropped so a bad entry cannot
// wedge the whole group.
type Consumer struct {
	client *redis.Client
	group  string
	name   string
}

// ConsumerOption adjusts a single Read call.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock bounds how long a Read waits for new entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithCount caps how many entries a single Read returns.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

func NewConsumer(client *redis.Client, group, name string) *Consumer {
	return &Consumer{client: client, group: group, name: name}
}

// EnsureGroup creates the consumer group if it is missing. The group
// starts at the beginning of the stream so jobs enqueued before the
// first worker came up are still picked up.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", stream, err)
	}
	return nil
}

// Message is one successfully decoded stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

// Read fetches undelivered entries for this consumer. A timed-out block
// returns an empty slice, not an error.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, fmt.Errorf("consumer group and name must be configured")
	}

	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
	}
	for _, opt := range opts {
		opt(args)
	}

	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}

	var out []Message
	for _, st := range res {
		for _, entry := range st.Messages {
			env, ok := c.decode(ctx, stream, entry)
			if !ok {
				continue
			}
			out = append(out, Message{ID: entry.ID, Envelope: env})
		}
	}
	return out, nil
}

// AutoClaim transfers pending entries that have been idle for at least
// minIdle to this consumer, resuming the scan from start. Entries end up
// pending when the consumer that read them died or failed before acking;
// without a claim pass they would never be redelivered, since Read only
// sees never-delivered entries. The returned cursor feeds the next call;
// "0-0" restarts from the beginning.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if stream == "" {
		return nil, "", fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return nil, "", fmt.Errorf("consumer group and name must be configured")
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	entries, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim %s: %w", stream, err)
	}
	var out []Message
	for _, entry := range entries {
		env, ok := c.decode(ctx, stream, entry)
		if !ok {
			continue
		}
		out = append(out, Message{ID: entry.ID, Envelope: env})
	}
	return out, next, nil
}

// Ack marks the given entries as processed.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (c *Consumer) decode(ctx context.Context, stream string, entry redis.XMessage) (Envelope, bool) {
	var raw []byte
	switch v := entry.Values[envelopeField].(type) {
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	}
	if len(raw) == 0 {
		c.drop(ctx, stream, entry.ID)
		return Envelope{}, false
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		c.drop(ctx, stream, entry.ID)
		return Envelope{}, false
	}
	return env, true
}

func (c *Consumer) drop(ctx context.Context, stream, id string) {
	_ = c.client.XAck(ctx, stream, c.group, id).Err()
}
