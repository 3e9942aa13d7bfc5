package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Envelope is the cross-process JSON form of an event.
type Envelope struct {
	Topic     string `json:"topic"`
	Payload   Event  `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// RedisPublisher mirrors bus events onto redis pub/sub so other processes
// (UI shells, bots) can observe send-state changes.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	logger  *slog.Logger
	timeout time.Duration
}

// NewRedisPublisher creates a publisher using the given client. prefix is
// prepended to topic names to form the redis channel.
func NewRedisPublisher(log *slog.Logger, client *redis.Client, prefix string) *RedisPublisher {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "courier.events."
	}
	return &RedisPublisher{
		client:  client,
		prefix:  prefix,
		logger:  log.With(slog.String("service", "events_redis")),
		timeout: 2 * time.Second,
	}
}

// Handle implements the bus Handler signature.
func (p *RedisPublisher) Handle(ctx context.Context, ev Event) {
	data, err := json.Marshal(Envelope{
		Topic:     ev.Topic(),
		Payload:   ev,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		p.logger.Error("marshal event", slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.prefix+ev.Topic(), data).Err(); err != nil {
		p.logger.Warn("publish event", slog.String("topic", ev.Topic()), slog.Any("error", err))
	}
}
