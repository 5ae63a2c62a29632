// Package events publishes committed scheduling events to a Redis pub/sub
// channel so other services can follow bookings without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/clinic/scheduler/internal/domain/scheduling"
)

const DefaultChannel = "scheduling.events"

type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher is a notification sink writing one JSON message per event.
type RedisPublisher struct {
	client  publisher
	channel string
}

// NewRedisPublisher connects to url and checks the connection with PING.
func NewRedisPublisher(ctx context.Context, url, channel string) (*RedisPublisher, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}, nil
}

func (p *RedisPublisher) Name() string { return "redis" }

func (p *RedisPublisher) Deliver(ctx context.Context, evt scheduling.Event) error {
	payload, err := Payload(evt)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// Message is the wire form of an event. Type is repeated at the top level so
// subscribers can route without decoding the body.
type Message struct {
	Type  scheduling.EventType `json:"type"`
	Event scheduling.Event     `json:"event"`
}

// Payload encodes evt as a Message.
func Payload(evt scheduling.Event) ([]byte, error) {
	b, err := json.Marshal(Message{Type: evt.Type, Event: evt})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.Type, err)
	}
	return b, nil
}
