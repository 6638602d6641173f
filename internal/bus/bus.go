// Package bus carries pipeline events between stages and to external
// observers. Events travel on named topics inside a JSON envelope so the
// in-process and Redis backends deliver identical messages.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Topic names an event stream.
type Topic string

const (
	TopicStageStatus Topic = "stage_status"
	TopicProgress    Topic = "progress"
	TopicCandidate   Topic = "candidate"
	TopicFailure     Topic = "failure"
	TopicVideoState  Topic = "video_state"
)

// Topics lists every topic the pipeline publishes.
func Topics() []Topic {
	return []Topic{TopicStageStatus, TopicProgress, TopicCandidate, TopicFailure, TopicVideoState}
}

// Message is the envelope delivered to subscribers.
type Message struct {
	ID      string          `json:"id"`
	Topic   Topic           `json:"topic"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// Subscriber receives messages for one topic.
type Subscriber interface {
	// C returns a read-only message channel. It is closed by Close.
	C() <-chan Message
	// Close unsubscribes.
	Close() error
}

// Bus is the event transport abstraction.
type Bus interface {
	Publish(ctx context.Context, topic Topic, msg Message) error
	Subscribe(ctx context.Context, topic Topic) (Subscriber, error)
}

// NewMessage wraps payload in an envelope with a fresh id.
func NewMessage(topic Topic, payload any) (Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return Message{
		ID:      uuid.NewString(),
		Topic:   topic,
		Time:    time.Now().UTC(),
		Payload: data,
	}, nil
}

// Decode unpacks a message payload into T.
func Decode[T any](msg Message) (T, error) {
	var out T
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("decode %s payload: %w", msg.Topic, err)
	}
	return out, nil
}

// publishTimeout bounds how long a best-effort Emit waits on slow subscribers.
const publishTimeout = 250 * time.Millisecond

// Emit publishes payload on topic without failing the caller. A nil bus is
// a no-op.
func Emit(ctx context.Context, b Bus, topic Topic, payload any, logger *slog.Logger) {
	if b == nil {
		return
	}
	msg, err := NewMessage(topic, payload)
	if err != nil {
		if logger != nil {
			logger.Debug("bus encode failed", "topic", string(topic), "error", err)
		}
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := b.Publish(pubCtx, topic, msg); err != nil && logger != nil {
		logger.Debug("bus publish failed", "topic", string(topic), "error", err)
	}
}
