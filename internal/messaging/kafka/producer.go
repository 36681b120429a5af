package kafka

import (
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Producer синхронно пишет ответы, события заказа и DLQ-записи.
type Producer struct {
	client sarama.SyncProducer
	logger *log.Entry
	now    func() time.Time
}

// NewProducer подключает идемпотентный producer к брокерам.
func NewProducer(brokers []string) (*Producer, error) {
	client, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerFromSync(client), nil
}

func producerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	// Идемпотентность требует acks=all и одного запроса в полёте.
	config.Producer.Idempotent = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Net.MaxOpenRequests = 1
	return config
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer, в тестах mocks.SyncProducer.
func NewProducerFromSync(client sarama.SyncProducer) *Producer {
	return &Producer{
		client: client,
		logger: log.WithField("component", "kafka-producer"),
		now:    time.Now,
	}
}

// Send публикует готовое тело. Пустые заголовки не пишутся.
func (p *Producer) Send(topic, key string, value []byte, headers map[string]string) error {
	if p == nil || p.client == nil {
		return errors.New("kafka producer is not initialized")
	}

	fields := log.Fields{"topic": topic, "key": key}
	partition, offset, err := p.client.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   recordHeaders(headers),
		Timestamp: p.now(),
	})
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("kafka send failed")
		return fmt.Errorf("send to %s: %w", topic, err)
	}

	fields["partition"], fields["offset"] = partition, offset
	p.logger.WithFields(fields).Debug("kafka message sent")
	return nil
}

// SendReply отвечает на запрос: ключ и заголовок несут correlation id.
func (p *Producer) SendReply(replyTo, correlationID string, body []byte) error {
	return p.Send(replyTo, correlationID, body, map[string]string{
		HeaderCorrelationID: correlationID,
	})
}

// Close дожидается отправки буферизованных сообщений.
func (p *Producer) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
