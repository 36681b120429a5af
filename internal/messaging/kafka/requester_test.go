package kafka

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"
)

const testReplyTopic = "orders.replies.test"

func newTestRequester(t *testing.T) (*Requester, *mocks.SyncProducer, *mocks.PartitionConsumer) {
	t.Helper()

	syncProducer := mocks.NewSyncProducer(t, nil)
	consumer := mocks.NewConsumer(t, nil)
	consumer.SetTopicMetadata(map[string][]int32{testReplyTopic: {0}})
	partition := consumer.ExpectConsumePartition(testReplyTopic, 0, sarama.OffsetNewest)

	requester := NewRequesterWith(NewProducerFromSync(syncProducer), consumer, testReplyTopic)
	require.NoError(t, requester.Start())

	return requester, syncProducer, partition
}

// replyWith отвечает на перехваченный запрос через mock partition consumer.
func replyWith(partition *mocks.PartitionConsumer, body string, check func(msg *sarama.ProducerMessage) error) func(*sarama.ProducerMessage) error {
	return func(msg *sarama.ProducerMessage) error {
		if check != nil {
			if err := check(msg); err != nil {
				return err
			}
		}
		correlationID := ""
		for _, header := range msg.Headers {
			if string(header.Key) == HeaderCorrelationID {
				correlationID = string(header.Value)
			}
		}
		if correlationID == "" {
			return fmt.Errorf("request has no correlation id")
		}

		partition.YieldMessage(&sarama.ConsumerMessage{
			Topic:   testReplyTopic,
			Key:     []byte(correlationID),
			Value:   []byte(body),
			Headers: []*sarama.RecordHeader{{Key: []byte(HeaderCorrelationID), Value: []byte(correlationID)}},
		})
		return nil
	}
}

func TestRequester_RequestReceivesMatchingReply(t *testing.T) {
	requester, syncProducer, partition := newTestRequester(t)

	syncProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(replyWith(partition, `[{"id":"1","price":10,"name":"Mouse"}]`,
		func(msg *sarama.ProducerMessage) error {
			if msg.Topic != TopicProductRequests {
				return fmt.Errorf("unexpected topic %s", msg.Topic)
			}
			pattern, replyTo := "", ""
			for _, header := range msg.Headers {
				switch string(header.Key) {
				case HeaderPattern:
					pattern = string(header.Value)
				case HeaderReplyTo:
					replyTo = string(header.Value)
				}
			}
			if pattern != PatternValidateProducts || replyTo != testReplyTopic {
				return fmt.Errorf("unexpected headers pattern=%q reply_to=%q", pattern, replyTo)
			}
			return nil
		}))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := requester.Request(ctx, TopicProductRequests, PatternValidateProducts, []string{"1"})
	require.NoError(t, err)
	require.JSONEq(t, `[{"id":"1","price":10,"name":"Mouse"}]`, string(reply))
	require.Zero(t, requester.Pending())

	require.NoError(t, requester.Close())
}

func TestRequester_RequestTimesOutWithoutReply(t *testing.T) {
	requester, syncProducer, _ := newTestRequester(t)
	syncProducer.ExpectSendMessageAndSucceed()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := requester.Request(ctx, TopicProductRequests, PatternValidateProducts, []string{"1"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, requester.Pending())

	require.NoError(t, requester.Close())
}

func TestRequester_IgnoresForeignReplies(t *testing.T) {
	requester, syncProducer, partition := newTestRequester(t)

	partition.YieldMessage(&sarama.ConsumerMessage{
		Topic:   testReplyTopic,
		Value:   []byte(`[]`),
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderCorrelationID), Value: []byte("someone-else")}},
	})

	syncProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(replyWith(partition, `[]`, nil))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	reply, err := requester.Request(ctx, TopicProductRequests, PatternValidateProducts, []string{"2"})
	require.NoError(t, err)
	require.Equal(t, `[]`, string(reply))

	require.NoError(t, requester.Close())
}

func TestRequester_SendFailure(t *testing.T) {
	requester, syncProducer, _ := newTestRequester(t)
	syncProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	_, err := requester.Request(context.Background(), TopicProductRequests, PatternValidateProducts, []string{"1"})
	require.Error(t, err)
	require.Zero(t, requester.Pending())

	require.NoError(t, requester.Close())
}

func TestRequester_RequestAfterClose(t *testing.T) {
	requester, _, _ := newTestRequester(t)
	require.NoError(t, requester.Close())

	_, err := requester.Request(context.Background(), TopicProductRequests, PatternValidateProducts, []string{"1"})
	require.True(t, errors.Is(err, ErrRequesterClosed))

	// Повторный Close безопасен.
	require.NoError(t, requester.Close())
}
