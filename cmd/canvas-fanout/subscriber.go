package main

import (
	"context"
	"fmt"

	"github.com/lyzr/canvasgraph/common/events"
	"github.com/lyzr/canvasgraph/common/redis"
)

// RedisSubscriber forwards canvas events from Redis pub/sub to the hub
type RedisSubscriber struct {
	redis  *redis.Client
	hub    *Hub
	logger Logger
}

// NewRedisSubscriber creates a new RedisSubscriber instance
func NewRedisSubscriber(client *redis.Client, hub *Hub, logger Logger) *RedisSubscriber {
	return &RedisSubscriber{
		redis:  client,
		hub:    hub,
		logger: logger,
	}
}

// Start listens on every canvas channel until ctx is done
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pubsub := s.redis.PSubscribe(ctx, events.ChannelPattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", events.ChannelPattern, err)
	}
	s.logger.Info("redis subscription confirmed", "pattern", events.ChannelPattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("redis subscriber stopping")
			return nil

		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("redis subscription closed")
			}
			canvasID, valid := events.CanvasIDFromChannel(msg.Channel)
			if !valid {
				s.logger.Warn("ignoring message on unexpected channel", "channel", msg.Channel)
				continue
			}
			s.hub.Publish(ctx, &Message{CanvasID: canvasID, Data: []byte(msg.Payload)})
		}
	}
}
