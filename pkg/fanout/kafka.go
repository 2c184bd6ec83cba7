package fanout

import (
	"context"
	"fmt"
	"time"

	"github.com/mahaj/threadgate/pkg/model"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Kafka is a bus over a Kafka topic. Each instance reads with its own
// consumer group, so every instance sees every record.
type Kafka struct {
	brokers  []string
	topic    string
	instance string
	producer *kafka.Writer
	log      *zap.Logger
}

func NewKafka(brokers []string, topic, instanceID string, log *zap.Logger) *Kafka {
	return &Kafka{
		brokers:  brokers,
		topic:    topic,
		instance: instanceID,
		producer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 10 * time.Millisecond,
		},
		log: log,
	}
}

func (k *Kafka) Publish(ctx context.Context, env model.Envelope) error {
	data, err := encode(env)
	if err != nil {
		return err
	}
	err = k.producer.WriteMessages(ctx, kafka.Message{Value: data, Time: time.Now()})
	if err != nil {
		return fmt.Errorf("kafka write %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context) <-chan model.Envelope {
	out := make(chan model.Envelope, 256)
	go func() {
		defer close(out)
		consumer := kafka.NewReader(kafka.ReaderConfig{
			Brokers:     k.brokers,
			Topic:       k.topic,
			GroupID:     "gateway-fanout-" + k.instance,
			StartOffset: kafka.LastOffset,
			MinBytes:    1,
			MaxBytes:    10e6,
			MaxWait:     250 * time.Millisecond,
		})
		defer consumer.Close()

		for {
			m, err := consumer.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				k.log.Warn("kafka_read_failed", zap.String("topic", k.topic), zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(resubscribeDelay):
				}
				continue
			}

			env, err := decode(m.Value)
			if err != nil {
				k.log.Warn("fanout_bad_envelope", zap.Error(err))
				continue
			}
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (k *Kafka) Close() error {
	return k.producer.Close()
}
