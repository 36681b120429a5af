package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// Topics по умолчанию; переопределяются конфигурацией.
const (
	TopicOrderRequests   = "orders.requests"
	TopicOrderReplies    = "orders.replies"
	TopicProductRequests = "products.requests"
	TopicOrderEvents     = "orders.events"
	TopicDeadLetterQueue = "orders.dlq" // Dead Letter Queue для failed messages
)

// Заголовки протокола request/reply.
const (
	HeaderPattern        = "x-pattern"
	HeaderCorrelationID  = "x-correlation-id"
	HeaderReplyTo        = "x-reply-to"
	HeaderIdempotencyKey = "x-idempotency-key"
	HeaderEventType      = "x-event-type"
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
)

// Request — входящий запрос, извлечённый из сообщения Kafka.
type Request struct {
	Pattern        string
	CorrelationID  string
	ReplyTo        string
	IdempotencyKey string
	Payload        []byte
}

// ParseRequest собирает Request из заголовков и тела сообщения.
func ParseRequest(message *sarama.ConsumerMessage) Request {
	return Request{
		Pattern:        headerValue(message.Headers, HeaderPattern),
		CorrelationID:  headerValue(message.Headers, HeaderCorrelationID),
		ReplyTo:        headerValue(message.Headers, HeaderReplyTo),
		IdempotencyKey: headerValue(message.Headers, HeaderIdempotencyKey),
		Payload:        message.Value,
	}
}

// DeadLetter — тело сообщения, отправляемого в DLQ.
type DeadLetter struct {
	OriginalTopic     string            `json:"original_topic"`
	OriginalPartition int32             `json:"original_partition"`
	OriginalOffset    int64             `json:"original_offset"`
	OriginalKey       string            `json:"original_key"`
	OriginalValue     string            `json:"original_value"`
	Headers           map[string]string `json:"headers,omitempty"`
	ErrorMessage      string            `json:"error_message"`
	FailedAt          time.Time         `json:"failed_at"`
	RetryCount        int               `json:"retry_count"`
}

func headerValue(headers []*sarama.RecordHeader, key string) string {
	for _, header := range headers {
		if header != nil && string(header.Key) == key {
			return string(header.Value)
		}
	}
	return ""
}

func headersToMap(headers []*sarama.RecordHeader) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	result := make(map[string]string, len(headers))
	for _, header := range headers {
		if header == nil {
			continue
		}
		result[string(header.Key)] = string(header.Value)
	}
	return result
}

func recordHeaders(values map[string]string) []sarama.RecordHeader {
	headers := make([]sarama.RecordHeader, 0, len(values))
	for key, value := range values {
		if value == "" {
			continue
		}
		headers = append(headers, sarama.RecordHeader{Key: []byte(key), Value: []byte(value)})
	}
	return headers
}
