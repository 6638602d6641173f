package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"reencoder/internal/logging"
	"reencoder/internal/metrics"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisBus publishes envelopes over Redis pub/sub so external processes can
// observe pipeline events.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
	owned  bool
}

// NewRedisBus connects to Redis and verifies the connection.
func NewRedisBus(ctx context.Context, cfg RedisConfig, logger *slog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	b := NewRedisBusWithClient(client, cfg.Prefix, logger)
	b.owned = true
	b.logger.Info("connected to redis bus", logging.String("addr", cfg.Addr), logging.Int("db", cfg.DB))
	return b, nil
}

// NewRedisBusWithClient wraps an existing client. The caller keeps ownership.
func NewRedisBusWithClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisBus {
	if prefix == "" {
		prefix = "reencoder"
	}
	return &RedisBus{
		client: client,
		prefix: prefix,
		logger: logging.NewComponentLogger(logger, "redis_bus"),
	}
}

func (b *RedisBus) channel(topic Topic) string {
	return b.prefix + ":" + string(topic)
}

// Publish sends msg to the topic channel.
func (b *RedisBus) Publish(ctx context.Context, topic Topic, msg Message) error {
	if ctx == nil {
		return fmt.Errorf("publish context is nil")
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(topic), data).Err(); err != nil {
		metrics.IncBusDrop(string(topic), "redis")
		return fmt.Errorf("publish topic %q: %w", topic, err)
	}
	return nil
}

// Subscribe opens a Redis subscription and waits for its confirmation so
// messages published after Subscribe returns are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, topic Topic) (Subscriber, error) {
	ps := b.client.Subscribe(ctx, b.channel(topic))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe topic %q: %w", topic, err)
	}

	sub := &redisSub{
		ps:   ps,
		out:  make(chan Message, subscriberBuffer),
		done: make(chan struct{}),
	}
	sub.wg.Add(1)
	go sub.pump(topic, b.logger)
	return sub, nil
}

// Close releases the client when the bus created it.
func (b *RedisBus) Close() error {
	if b == nil || !b.owned {
		return nil
	}
	return b.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	out  chan Message
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *redisSub) pump(topic Topic, logger *slog.Logger) {
	defer s.wg.Done()
	defer close(s.out)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-in:
			if !ok {
				return
			}
			var msg Message
			if err := json.Unmarshal([]byte(raw.Payload), &msg); err != nil {
				logger.Debug("discarding malformed bus message", logging.String("topic", string(topic)), logging.Error(err))
				continue
			}
			select {
			case s.out <- msg:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSub) C() <-chan Message {
	return s.out
}

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
		s.wg.Wait()
	})
	return err
}

var _ Bus = (*RedisBus)(nil)
