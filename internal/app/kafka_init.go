package app

import (
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
)

// splitBrokers разбирает "host:port, host:port", пропуская пустые элементы.
func splitBrokers(brokers string) []string {
	var list []string
	for part := range strings.SplitSeq(brokers, ",") {
		if broker := strings.TrimSpace(part); broker != "" {
			list = append(list, broker)
		}
	}
	return list
}

// initKafkaProducer возвращает nil, nil без брокеров: сервис работает на mock-интеграциях.
func initKafkaProducer(brokers string, logger *log.Entry) (*kafka.Producer, error) {
	list := splitBrokers(brokers)
	if len(list) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(list)
	if err != nil {
		logger.WithError(err).WithField("brokers", list).Warn("kafka producer is unavailable")
		return nil, err
	}
	logger.WithField("brokers", list).Info("kafka producer initialized")
	return producer, nil
}

// initKafkaRequester запускает клиента каталога, подписанного на reply topic.
func initKafkaRequester(brokers, replyTopic string, logger *log.Entry) (*kafka.Requester, error) {
	requester, err := kafka.NewRequester(splitBrokers(brokers), replyTopic)
	if err != nil {
		return nil, err
	}
	if err := requester.Start(); err != nil {
		_ = requester.Close()
		return nil, err
	}
	logger.WithField("reply_topic", replyTopic).Info("kafka requester started")
	return requester, nil
}

func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer != nil {
		logShutdown(logger, "kafka producer", producer.Close())
	}
}

// closeRequester будит ожидающие запросы с ErrRequesterClosed.
func closeRequester(requester *kafka.Requester, logger *log.Entry) {
	if requester != nil {
		logShutdown(logger, "kafka requester", requester.Close())
	}
}

// stopConsumer дожидается обработчиков, уже взявших сообщения.
func stopConsumer(consumer *kafka.Consumer, logger *log.Entry) {
	if consumer != nil {
		logShutdown(logger, "kafka consumer", consumer.Stop())
	}
}

func logShutdown(logger *log.Entry, component string, err error) {
	if err != nil {
		logger.WithError(err).Warnf("failed to stop %s", component)
		return
	}
	logger.Infof("%s stopped", component)
}
