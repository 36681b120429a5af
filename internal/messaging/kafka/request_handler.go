package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const maxPendingReplies = 1024

// Dispatcher исполняет запрос и возвращает готовое тело ответа (envelope).
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) []byte
}

// RequestHandler связывает входящий topic запросов с Dispatcher и отправляет ответы.
type RequestHandler struct {
	dispatcher Dispatcher
	replies    *Producer
	logger     *log.Entry

	mu sync.Mutex
	// pending хранит ответы, которые не удалось отправить: при повторной
	// доставке того же сообщения запрос не исполняется второй раз.
	pending map[string][]byte
}

// NewRequestHandler создаёт обработчик запросов.
func NewRequestHandler(dispatcher Dispatcher, replies *Producer) *RequestHandler {
	return &RequestHandler{
		dispatcher: dispatcher,
		replies:    replies,
		logger:     log.WithField("component", "kafka-request-handler"),
		pending:    make(map[string][]byte),
	}
}

// Handle реализует MessageHandler. Ошибка возвращается только если ответ не удалось отправить.
func (h *RequestHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	req := ParseRequest(message)
	entry := h.logger.WithFields(log.Fields{
		"pattern":        req.Pattern,
		"correlation_id": req.CorrelationID,
		"partition":      message.Partition,
		"offset":         message.Offset,
	})

	key := messageKey(message)
	body, ok := h.takePending(key)
	if !ok {
		body = h.dispatcher.Dispatch(ctx, req)
	}

	if req.ReplyTo == "" {
		entry.Warn("request has no reply topic, reply dropped")
		return nil
	}

	if err := h.replies.SendReply(req.ReplyTo, req.CorrelationID, body); err != nil {
		if unsendableReply(err) {
			return Permanent(fmt.Errorf("send reply to %s: %w", req.ReplyTo, err))
		}
		h.storePending(key, body)
		return fmt.Errorf("send reply to %s: %w", req.ReplyTo, err)
	}

	entry.Debug("reply sent")
	return nil
}

func (h *RequestHandler) takePending(key string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	body, ok := h.pending[key]
	if ok {
		delete(h.pending, key)
	}
	return body, ok
}

func (h *RequestHandler) storePending(key string, body []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.pending) >= maxPendingReplies {
		h.pending = make(map[string][]byte)
	}
	h.pending[key] = body
}

// unsendableReply: брокер отклонит такой ответ при любом повторе.
func unsendableReply(err error) bool {
	return errors.Is(err, sarama.ErrMessageSizeTooLarge) || errors.Is(err, sarama.ErrInvalidTopic)
}

func messageKey(message *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", message.Topic, message.Partition, message.Offset)
}
