package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	defaultConsumerAttempts = 3
	defaultRetryDelay       = 200 * time.Millisecond
	maxConsumerRetryDelay   = 5 * time.Second
)

// ErrPermanent помечает ошибку, которую повтор не исправит: сообщение сразу уходит в DLQ.
var ErrPermanent = errors.New("permanent message failure")

// Permanent оборачивает err в ErrPermanent.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// MessageHandler обрабатывает сообщение из Kafka
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

// ConsumerOption настраивает Consumer.
type ConsumerOption func(*Consumer)

// WithDeadLetterTopic включает DLQ: сообщения, исчерпавшие попытки, публикуются в topic.
func WithDeadLetterTopic(producer *Producer, topic string) ConsumerOption {
	return func(c *Consumer) {
		c.deadLetters = producer
		if topic != "" {
			c.deadLetterTopic = topic
		}
	}
}

// WithMaxAttempts задаёт число попыток обработки, включая первую.
func WithMaxAttempts(attempts int) ConsumerOption {
	return func(c *Consumer) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
	}
}

// WithRetryDelay задаёт паузу перед первым повтором; дальше она удваивается.
func WithRetryDelay(delay time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if delay >= 0 {
			c.retryDelay = delay
		}
	}
}

// WithConsumerLogger подменяет logger.
func WithConsumerLogger(logger *log.Entry) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Consumer читает topic запросов в составе consumer group.
// Внутри партиции сообщения обрабатываются последовательно, партиции параллельны.
// Offset фиксируется только после успешной обработки или публикации в DLQ.
type Consumer struct {
	group   sarama.ConsumerGroup
	topics  []string
	handler MessageHandler
	logger  *log.Entry
	wg      sync.WaitGroup

	deadLetters     *Producer
	deadLetterTopic string
	maxAttempts     int
	retryDelay      time.Duration
}

// NewConsumer подключается к consumer group groupID.
func NewConsumer(brokers []string, groupID string, topics []string, handler MessageHandler, opts ...ConsumerOption) (*Consumer, error) {
	group, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka consumer group %s: %w", groupID, err)
	}
	return newConsumer(group, topics, handler, opts...), nil
}

func consumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	// Запросы, пришедшие до старта сервиса, клиент уже считает просроченными.
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true
	return config
}

func newConsumer(group sarama.ConsumerGroup, topics []string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		group:           group,
		topics:          topics,
		handler:         handler,
		logger:          log.WithField("component", "kafka-consumer"),
		deadLetterTopic: TopicDeadLetterQueue,
		maxAttempts:     defaultConsumerAttempts,
		retryDelay:      defaultRetryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start запускает чтение в фоне. Остановка: отмена ctx и Stop.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go c.consumeLoop(ctx)
	go c.drainErrors()

	c.logger.WithFields(log.Fields{
		"topics":       c.topics,
		"max_attempts": c.maxAttempts,
		"dlq_enabled":  c.deadLetters != nil,
	}).Info("kafka consumer started")
	return nil
}

// Consume завершается при каждом rebalance, поэтому вызывается в цикле.
func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()
	for ctx.Err() == nil {
		err := c.group.Consume(ctx, c.topics, c)
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		if err != nil {
			c.logger.WithError(err).Error("consumer session failed")
		}
	}
}

func (c *Consumer) drainErrors() {
	defer c.wg.Done()
	for err := range c.group.Errors() {
		c.logger.WithError(err).Error("consumer group error")
	}
}

// Stop закрывает consumer group и ждёт фоновые горутины.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("failed to close kafka consumer: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

// Setup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Setup(sarama.ConsumerGroupSession) error { return nil }

// Cleanup реализует sarama.ConsumerGroupHandler.
func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim обрабатывает одну партицию.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.handle(ctx, message); err != nil {
				// Без MarkMessage сообщение перечитается после rebalance или рестарта.
				c.messageLogger(message).WithError(err).Error("message left uncommitted")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// handle возвращает nil, если сообщение обработано или ушло в DLQ.
// Счёт попыток продолжается от заголовка x-retry-count.
func (c *Consumer) handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	attempt := priorAttempts(message)
	var err error
	for {
		attempt++
		if err = c.handler(ctx, message); err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) || attempt >= c.maxAttempts {
			break
		}
		c.messageLogger(message).WithError(err).WithFields(log.Fields{
			"attempt":      attempt,
			"max_attempts": c.maxAttempts,
		}).Warn("request handling failed, retrying")
		if waitErr := sleepWithContext(ctx, c.backoff(attempt)); waitErr != nil {
			return waitErr
		}
	}

	// При остановке сервиса сообщение остаётся в topic, а не уходит в DLQ.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if c.deadLetters == nil {
		return err
	}
	if dlqErr := c.sendToDeadLetters(message, err, attempt); dlqErr != nil {
		return fmt.Errorf("dead letter for offset %d: %w", message.Offset, dlqErr)
	}
	c.messageLogger(message).WithError(err).WithField("attempts", attempt).Warn("message moved to dead letter topic")
	return nil
}

// backoff удваивает паузу после каждой неудачной попытки.
func (c *Consumer) backoff(attempt int) time.Duration {
	if c.retryDelay <= 0 {
		return 0
	}
	delay := c.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxConsumerRetryDelay {
			return maxConsumerRetryDelay
		}
	}
	return min(delay, maxConsumerRetryDelay)
}

func (c *Consumer) sendToDeadLetters(message *sarama.ConsumerMessage, cause error, attempts int) error {
	failedAt := time.Now().UTC()
	letter := DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		Headers:           headersToMap(message.Headers),
		ErrorMessage:      cause.Error(),
		FailedAt:          failedAt,
		RetryCount:        attempts,
	}
	body, err := encodeJSON(letter)
	if err != nil {
		return err
	}
	return c.deadLetters.Send(c.deadLetterTopic, string(message.Key), body, map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderPattern:       headerValue(message.Headers, HeaderPattern),
		HeaderErrorMessage:  cause.Error(),
		HeaderFailedAt:      failedAt.Format(time.RFC3339),
		HeaderRetryCount:    strconv.Itoa(attempts),
	})
}

func (c *Consumer) messageLogger(message *sarama.ConsumerMessage) *log.Entry {
	return c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"pattern":   headerValue(message.Headers, HeaderPattern),
	})
}

// priorAttempts читает x-retry-count; мусор в заголовке считается нулём.
func priorAttempts(message *sarama.ConsumerMessage) int {
	count, err := strconv.Atoi(headerValue(message.Headers, HeaderRetryCount))
	if err != nil || count < 0 {
		return 0
	}
	return count
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
