// Command orders-cli отправляет один запрос сервису заказов через Kafka и печатает ответ.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/orders/internal/messaging/kafka"
)

const (
	defaultBrokers = "localhost:9092"
	defaultTimeout = 10 * time.Second
	cliReplyTopic  = "orders.cli.replies"
)

// sender — часть kafka.Requester, которой пользуется CLI.
type sender interface {
	RequestRaw(ctx context.Context, topic, pattern string, body []byte, extra map[string]string) ([]byte, error)
}

type config struct {
	brokers        []string
	topic          string
	replyTopic     string
	pattern        string
	payload        string
	idempotencyKey string
	timeout        time.Duration
}

func parseConfig(args []string) (config, error) {
	var (
		cfg     config
		brokers string
	)
	fs := flag.NewFlagSet("orders-cli", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", defaultBrokers, "comma separated kafka brokers")
	fs.StringVar(&cfg.topic, "topic", kafka.TopicOrderRequests, "request topic of the orders service")
	fs.StringVar(&cfg.replyTopic, "reply-topic", cliReplyTopic, "topic to receive the reply on")
	fs.StringVar(&cfg.pattern, "pattern", "", "createOrder|findAllOrders|findOneOrder|changeOrderStatus")
	fs.StringVar(&cfg.payload, "payload", "", "JSON payload of the request")
	fs.StringVar(&cfg.idempotencyKey, "idempotency-key", "", "x-idempotency-key for createOrder")
	fs.DurationVar(&cfg.timeout, "timeout", defaultTimeout, "reply timeout")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	for _, broker := range strings.Split(brokers, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			cfg.brokers = append(cfg.brokers, broker)
		}
	}
	if len(cfg.brokers) == 0 {
		return config{}, errors.New("at least one broker is required")
	}
	cfg.pattern = strings.TrimSpace(cfg.pattern)
	if cfg.pattern == "" {
		return config{}, errors.New("-pattern is required")
	}
	if cfg.timeout <= 0 {
		return config{}, errors.New("-timeout must be > 0")
	}
	cfg.payload = strings.TrimSpace(cfg.payload)
	if cfg.payload != "" && !json.Valid([]byte(cfg.payload)) {
		return config{}, errors.New("-payload must be valid JSON")
	}
	return cfg, nil
}

// send выполняет запрос и печатает data ответа; ответ с ошибкой возвращается как *kafka.ReplyError.
func send(ctx context.Context, client sender, cfg config, out io.Writer) error {
	var extra map[string]string
	if key := strings.TrimSpace(cfg.idempotencyKey); key != "" {
		extra = map[string]string{kafka.HeaderIdempotencyKey: key}
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	reply, err := client.RequestRaw(ctx, cfg.topic, cfg.pattern, []byte(cfg.payload), extra)
	if err != nil {
		return err
	}
	data, err := kafka.DecodeReply(reply)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, data, "", "  "); err != nil {
		pretty.Reset()
		pretty.Write(data)
	}
	pretty.WriteByte('\n')
	_, err = out.Write(pretty.Bytes())
	return err
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)

	cfg, err := parseConfig(os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid arguments")
	}

	requester, err := kafka.NewRequester(cfg.brokers, cfg.replyTopic)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to kafka")
	}
	if err := requester.Start(); err != nil {
		_ = requester.Close()
		log.WithError(err).Fatal("failed to subscribe to reply topic")
	}

	err = send(context.Background(), requester, cfg, os.Stdout)
	if closeErr := requester.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("failed to close requester")
	}

	var replyErr *kafka.ReplyError
	switch {
	case errors.As(err, &replyErr):
		fmt.Fprintf(os.Stderr, "error %d: %s\n", replyErr.Status, replyErr.Message)
		os.Exit(2)
	case err != nil:
		log.WithError(err).Fatal("request failed")
	}
}
