// Package presence broadcasts rendered avatar frames to interested clients.
package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/ember/internal/avatar"
	"github.com/nidhogg/ember/internal/render"
)

// Event announces that a fresh frame of an avatar was rendered.
type Event struct {
	CIID       string            `json:"ci_id"`
	Version    uint64            `json:"version"`
	Mode       avatar.Mode       `json:"mode"`
	Visible    bool              `json:"visible"`
	Brightness float64           `json:"brightness"`
	Hue        float64           `json:"hue"`
	Capability render.Capability `json:"capability"`
	MediaType  string            `json:"media_type"`
	Size       int               `json:"size"`
	At         time.Time         `json:"at"`
}

// Publisher delivers presence events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber streams presence events for one CI until ctx is cancelled.
type Subscriber interface {
	Subscribe(ctx context.Context, ciID string) <-chan Event
}

var _ Subscriber = (*RedisBus)(nil)

const streamPrefix = "ember:presence:"

// StreamName is the Redis stream carrying ciID's presence.
func StreamName(ciID string) string { return streamPrefix + ciID }

// RedisBus publishes presence events on per-CI Redis Streams.
type RedisBus struct {
	rdb    *redis.Client
	maxLen int64
	logger *zap.Logger
}

// NewRedisBus connects to redisURL. maxLen caps each stream (approximate
// trimming); zero keeps everything.
func NewRedisBus(redisURL string, maxLen int64, logger *zap.Logger) (*RedisBus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisBus{rdb: rdb, maxLen: maxLen, logger: logger}, nil
}

// Publish appends ev to its CI's stream.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	stream := StreamName(ev.CIID)
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{
			"ci_id":      ev.CIID,
			"version":    strconv.FormatUint(ev.Version, 10),
			"mode":       string(ev.Mode),
			"visible":    strconv.FormatBool(ev.Visible),
			"brightness": strconv.FormatFloat(ev.Brightness, 'f', -1, 64),
			"hue":        strconv.FormatFloat(ev.Hue, 'f', -1, 64),
			"capability": string(ev.Capability),
			"media_type": ev.MediaType,
			"size":       strconv.Itoa(ev.Size),
			"at":         ev.At.UTC().Format(time.RFC3339Nano),
		},
	}
	if b.maxLen > 0 {
		args.MaxLen = b.maxLen
		args.Approx = true
	}
	if _, err := b.rdb.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	b.logger.Debug("presence published",
		zap.String("ci", ev.CIID),
		zap.Uint64("version", ev.Version),
		zap.String("capability", string(ev.Capability)))
	return nil
}

// Subscribe streams new presence events for ciID until ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, ciID string) <-chan Event {
	ch := make(chan Event, 16)
	stream := StreamName(ciID)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}
			results, err := b.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				if !errors.Is(err, redis.Nil) {
					b.logger.Warn("presence read failed", zap.String("stream", stream), zap.Error(err))
				}
				continue
			}

			for _, r := range results {
				for _, msg := range r.Messages {
					lastID = msg.ID
					ev, err := decodeEvent(msg.Values)
					if err != nil {
						b.logger.Warn("malformed presence entry",
							zap.String("stream", stream),
							zap.String("id", msg.ID),
							zap.Error(err))
						continue
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	return b.rdb.Close()
}

func decodeEvent(v map[string]interface{}) (Event, error) {
	str := func(k string) string {
		s, _ := v[k].(string)
		return s
	}
	var ev Event
	var err error
	ev.CIID = str("ci_id")
	if ev.CIID == "" {
		return Event{}, errors.New("missing ci_id")
	}
	if ev.Version, err = strconv.ParseUint(str("version"), 10, 64); err != nil {
		return Event{}, fmt.Errorf("version: %w", err)
	}
	ev.Mode = avatar.Mode(str("mode"))
	if ev.Visible, err = strconv.ParseBool(str("visible")); err != nil {
		return Event{}, fmt.Errorf("visible: %w", err)
	}
	if ev.Brightness, err = strconv.ParseFloat(str("brightness"), 64); err != nil {
		return Event{}, fmt.Errorf("brightness: %w", err)
	}
	if ev.Hue, err = strconv.ParseFloat(str("hue"), 64); err != nil {
		return Event{}, fmt.Errorf("hue: %w", err)
	}
	ev.Capability = render.Capability(str("capability"))
	ev.MediaType = str("media_type")
	if ev.Size, err = strconv.Atoi(str("size")); err != nil {
		return Event{}, fmt.Errorf("size: %w", err)
	}
	if ev.At, err = time.Parse(time.RFC3339Nano, str("at")); err != nil {
		return Event{}, fmt.Errorf("at: %w", err)
	}
	return ev, nil
}

// LogPublisher writes events to the log. It stands in for Redis when no
// presence bus is configured.
type LogPublisher struct {
	Logger *zap.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev Event) error {
	p.Logger.Debug("presence",
		zap.String("ci", ev.CIID),
		zap.Uint64("version", ev.Version),
		zap.String("mode", string(ev.Mode)),
		zap.Bool("visible", ev.Visible),
		zap.Float64("brightness", ev.Brightness),
		zap.Int("size", ev.Size))
	return nil
}
