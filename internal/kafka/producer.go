package kafka

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"ms-registration/internal/config"
	"ms-registration/internal/models"
)

// Producer streams admission lifecycle events, one writer per topic.
type Producer struct {
	registrationCreated   *kafka.Writer
	registrationCancelled *kafka.Writer
	batchExhausted        *kafka.Writer
	batchActivated        *kafka.Writer
}

func NewProducer(brokers []string, topics config.TopicConfig) *Producer {
	newWriter := func(topic string) *kafka.Writer {
		return kafka.NewWriter(kafka.WriterConfig{
			Brokers: brokers,
			Topic:   topic,
		})
	}
	return &Producer{
		registrationCreated:   newWriter(topics.RegistrationCreated),
		registrationCancelled: newWriter(topics.RegistrationCancelled),
		batchExhausted:        newWriter(topics.BatchExhausted),
		batchActivated:        newWriter(topics.BatchActivated),
	}
}

func publish(w *kafka.Writer, key string, payload interface{}) error {
	msgBytes, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return w.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(key),
		Value: msgBytes,
	})
}

// PublishRegistrationCreated streams a committed admission. Keyed by event
// so consumers see admissions for one event in order.
func (p *Producer) PublishRegistrationCreated(reg models.Registration) error {
	return publish(p.registrationCreated, reg.EventID, reg)
}

func (p *Producer) PublishRegistrationCancelled(reg models.Registration) error {
	return publish(p.registrationCancelled, reg.EventID, reg)
}

func (p *Producer) PublishBatchExhausted(batch models.Batch) error {
	return publish(p.batchExhausted, batch.EventID, batch)
}

func (p *Producer) PublishBatchActivated(batch models.Batch) error {
	return publish(p.batchActivated, batch.EventID, batch)
}

func (p *Producer) Close() error {
	for _, w := range []*kafka.Writer{p.registrationCreated, p.registrationCancelled, p.batchExhausted, p.batchActivated} {
		if err := w.Close(); err != nil {
			return err
		}
	}
	return nil
}
