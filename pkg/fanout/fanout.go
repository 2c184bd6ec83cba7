// Package fanout carries outbound frames between gateway instances so a
// recipient connected to any instance receives them.
package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mahaj/threadgate/pkg/metrics"
	"github.com/mahaj/threadgate/pkg/model"
	"go.uber.org/zap"
)

// Bus is a publish/subscribe channel shared by every instance.
type Bus interface {
	// Publish is fire-and-forget: success means the bus accepted the
	// envelope, not that anyone received it.
	Publish(ctx context.Context, env model.Envelope) error
	// Subscribe streams envelopes until ctx ends, resubscribing after bus
	// failures. The channel is closed when ctx ends.
	Subscribe(ctx context.Context) <-chan model.Envelope
	Close() error
}

// LocalDeliverer hands a payload to the connections of this instance.
type LocalDeliverer interface {
	DeliverAll(userIDs []string, payload []byte) int
}

// Broadcaster delivers an event to local connections and publishes it for
// every other instance. Local may be nil for processes without connections.
type Broadcaster struct {
	local  LocalDeliverer
	bus    Bus
	origin string
	log    *zap.Logger
}

func NewBroadcaster(local LocalDeliverer, bus Bus, origin string, log *zap.Logger) *Broadcaster {
	return &Broadcaster{local: local, bus: bus, origin: origin, log: log}
}

// Broadcast encodes event once and sends it to userIDs. A bus failure is
// logged and counted but not returned: local delivery has already happened
// and the caller's persistence must stand.
func (b *Broadcaster) Broadcast(ctx context.Context, userIDs []string, event any) error {
	if len(userIDs) == 0 {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if b.local != nil {
		b.local.DeliverAll(userIDs, payload)
	}

	env := model.Envelope{Origin: b.origin, UserIDs: userIDs, Event: payload}
	if err := b.bus.Publish(ctx, env); err != nil {
		metrics.PublishFailures.Inc()
		b.log.Warn("fanout_publish_failed", zap.String("origin", b.origin), zap.Error(err))
	}
	return nil
}

// Relay feeds envelopes from other instances to local connections until ctx
// ends. Envelopes published by origin itself were delivered locally at
// publish time and are skipped.
func Relay(ctx context.Context, bus Bus, local LocalDeliverer, origin string, log *zap.Logger) {
	log.Info("fanout_relay_started", zap.String("instance_id", origin))
	defer log.Info("fanout_relay_stopped", zap.String("instance_id", origin))

	envs := bus.Subscribe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-envs:
			if !ok {
				return
			}
			if env.Origin == origin {
				continue
			}
			metrics.Relayed.Inc()
			local.DeliverAll(env.UserIDs, env.Event)
		}
	}
}

func encode(env model.Envelope) ([]byte, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return data, nil
}

func decode(data []byte) (model.Envelope, error) {
	var env model.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return model.Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}
