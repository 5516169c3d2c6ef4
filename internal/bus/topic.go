package bus

import (
	"context"
	"log/slog"
)

// TopicDef binds a topic to its payload type so publishers and subscribers
// agree on the shape at compile time.
type TopicDef[T any] struct {
	topic Topic
}

// NewTopicDef declares the payload type carried by topic.
func NewTopicDef[T any](topic Topic) TopicDef[T] {
	return TopicDef[T]{topic: topic}
}

// Topic returns the routing key of the definition.
func (d TopicDef[T]) Topic() Topic {
	return d.topic
}

// Publish places payload on the bus under def's topic. It returns immediately
// and succeeds even when nobody is subscribed.
func Publish[T any](b *Bus, def TopicDef[T], payload T) {
	b.publish(def.topic, payload)
}

// Subscription yields only payloads published under one topic definition.
type Subscription[T any] struct {
	raw   *RawSubscription
	topic Topic
}

// Subscribe returns a subscription to def's topic, starting after the most
// recently published message.
func Subscribe[T any](b *Bus, def TopicDef[T]) *Subscription[T] {
	return &Subscription[T]{raw: b.SubscribeRaw(), topic: def.topic}
}

// Topic returns the topic this subscription filters on.
func (s *Subscription[T]) Topic() Topic {
	return s.topic
}

// Recv returns the next payload on the subscribed topic. Lag is reported as a
// *LaggedError exactly as RawSubscription.Recv does.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		env, err := s.raw.Recv(ctx)
		if err != nil {
			return zero, err
		}
		if env.Topic != s.topic {
			continue
		}
		payload, ok := env.Payload.(T)
		if !ok {
			// Only reachable if two TopicDefs disagree on one topic's type.
			slog.Warn("bus payload type mismatch", "topic", string(s.topic), "seq", env.Seq)
			continue
		}
		return payload, nil
	}
}
