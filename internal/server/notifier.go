package server

import (
	"context"

	"github.com/segmentio/kafka-go"

	"photomarket/internal/models"
)

// Notifier nudges the pipeline out of band after photos are attached to an
// album, so processing starts before the next periodic trigger.
type Notifier interface {
	PhotosAttached(ctx context.Context, albumID string) error
}

type KafkaNotifier struct {
	writer *kafka.Writer
}

func NewKafkaNotifier(cfg *models.Config) *KafkaNotifier {
	return &KafkaNotifier{
		writer: kafka.NewWriter(kafka.WriterConfig{
			Brokers: []string{cfg.KafkaBroker},
			Topic:   cfg.KafkaTopic,
		}),
	}
}

func (n *KafkaNotifier) PhotosAttached(ctx context.Context, albumID string) error {
	return n.writer.WriteMessages(ctx, kafka.Message{Value: []byte(albumID)})
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
