package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ErrRequesterClosed возвращается для запросов после Close.
var ErrRequesterClosed = errors.New("kafka requester is closed")

// Requester реализует request/reply поверх Kafka: запрос уходит в topic
// сервиса, ответ приходит в общий reply topic и сопоставляется по correlation id.
type Requester struct {
	producer   *Producer
	consumer   sarama.Consumer
	replyTopic string
	logger     *log.Entry

	mu      sync.Mutex
	pending map[string]chan []byte
	closed  bool

	partitions []sarama.PartitionConsumer
	wg         sync.WaitGroup
}

// NewRequester создаёт requester с собственным producer и consumer.
func NewRequester(brokers []string, replyTopic string) (*Requester, error) {
	producer, err := NewProducer(brokers)
	if err != nil {
		return nil, err
	}

	config := sarama.NewConfig()
	config.Consumer.Return.Errors = false
	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("failed to create kafka reply consumer: %w", err)
	}

	return NewRequesterWith(producer, consumer, replyTopic), nil
}

// NewRequesterWith собирает requester из готовых producer и consumer.
func NewRequesterWith(producer *Producer, consumer sarama.Consumer, replyTopic string) *Requester {
	if replyTopic == "" {
		replyTopic = TopicOrderReplies
	}
	return &Requester{
		producer:   producer,
		consumer:   consumer,
		replyTopic: replyTopic,
		logger:     log.WithField("component", "kafka-requester"),
		pending:    make(map[string]chan []byte),
	}
}

// Start подписывается на все партиции reply topic с текущего конца лога.
func (r *Requester) Start() error {
	partitions, err := r.consumer.Partitions(r.replyTopic)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", r.replyTopic, err)
	}

	for _, partition := range partitions {
		pc, err := r.consumer.ConsumePartition(r.replyTopic, partition, sarama.OffsetNewest)
		if err != nil {
			r.closePartitions()
			return fmt.Errorf("consume %s/%d: %w", r.replyTopic, partition, err)
		}
		r.partitions = append(r.partitions, pc)

		r.wg.Add(1)
		go func(pc sarama.PartitionConsumer) {
			defer r.wg.Done()
			for message := range pc.Messages() {
				r.deliver(message)
			}
		}(pc)
	}

	r.logger.WithFields(log.Fields{
		"reply_topic": r.replyTopic,
		"partitions":  len(partitions),
	}).Info("kafka requester started")
	return nil
}

// Request отправляет payload с заданным pattern и ждёт ответ до отмены ctx.
func (r *Requester) Request(ctx context.Context, topic, pattern string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	return r.RequestRaw(ctx, topic, pattern, body, nil)
}

// RequestRaw отправляет готовое тело; extra добавляет произвольные заголовки.
func (r *Requester) RequestRaw(ctx context.Context, topic, pattern string, body []byte, extra map[string]string) ([]byte, error) {
	correlationID := uuid.NewString()
	replyCh := make(chan []byte, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrRequesterClosed
	}
	r.pending[correlationID] = replyCh
	r.mu.Unlock()
	defer r.forget(correlationID)

	headers := map[string]string{
		HeaderPattern:       pattern,
		HeaderCorrelationID: correlationID,
		HeaderReplyTo:       r.replyTopic,
	}
	for key, value := range extra {
		headers[key] = value
	}

	if err := r.producer.Send(topic, correlationID, body, headers); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrRequesterClosed
		}
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("wait reply for %s: %w", pattern, ctx.Err())
	}
}

// Pending возвращает число запросов, ожидающих ответа.
func (r *Requester) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close останавливает чтение ответов и отменяет ожидающие запросы.
func (r *Requester) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	r.closePartitions()
	r.wg.Wait()

	var errs []error
	if err := r.consumer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close reply consumer: %w", err))
	}
	if err := r.producer.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Requester) deliver(message *sarama.ConsumerMessage) {
	correlationID := headerValue(message.Headers, HeaderCorrelationID)
	if correlationID == "" {
		correlationID = string(message.Key)
	}

	r.mu.Lock()
	ch, ok := r.pending[correlationID]
	if ok {
		delete(r.pending, correlationID)
	}
	r.mu.Unlock()

	if !ok {
		// Ответ другому экземпляру сервиса или на уже отменённый запрос.
		return
	}
	ch <- message.Value
}

func (r *Requester) forget(correlationID string) {
	r.mu.Lock()
	delete(r.pending, correlationID)
	r.mu.Unlock()
}

func (r *Requester) closePartitions() {
	for _, pc := range r.partitions {
		pc.AsyncClose()
	}
	r.partitions = nil
}
