package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/mahaj/threadgate/pkg/model"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const resubscribeDelay = time.Second

// Redis is a bus over a Redis pub/sub channel.
type Redis struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedis(client *redis.Client, channel string, log *zap.Logger) *Redis {
	return &Redis{client: client, channel: channel, log: log}
}

func (r *Redis) Publish(ctx context.Context, env model.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	return nil
}

func (r *Redis) Subscribe(ctx context.Context) <-chan model.Envelope {
	out := make(chan model.Envelope, 256)
	go func() {
		defer close(out)
		for ctx.Err() == nil {
			if err := r.consume(ctx, out); err != nil {
				r.log.Warn("redis_subscription_lost", zap.String("channel", r.channel), zap.Error(err))
			}
			select {
			case <-ctx.Done():
			case <-time.After(resubscribeDelay):
			}
		}
	}()
	return out
}

func (r *Redis) consume(ctx context.Context, out chan<- model.Envelope) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()

	// Wait for the subscription to be confirmed so outages surface here.
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	r.log.Info("redis_subscribed", zap.String("channel", r.channel))

	msgs := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return fmt.Errorf("subscription channel closed")
			}
			env, err := decode([]byte(msg.Payload))
			if err != nil {
				r.log.Warn("fanout_bad_envelope", zap.Error(err))
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// Close is a no-op. The client belongs to the caller, which shares it with
// presence; subscriptions end with their context.
func (r *Redis) Close() error {
	return nil
}
