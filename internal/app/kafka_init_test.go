package app

import (
	"errors"
	"testing"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

func TestSplitBrokers(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{in: "", want: nil},
		{in: " , ,", want: nil},
		{in: "broker1:9092", want: []string{"broker1:9092"}},
		{in: "b1:9092, b2:9092 ,,b3:9092", want: []string{"b1:9092", "b2:9092", "b3:9092"}},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, splitBrokers(tt.in), "input %q", tt.in)
	}
}

func TestInitKafkaProducer(t *testing.T) {
	logger := log.WithField("test", "kafka")

	for _, brokers := range []string{"", " , "} {
		producer, err := initKafkaProducer(brokers, logger)
		require.NoError(t, err)
		require.Nil(t, producer, "no brokers means mock integrations")
	}

	producer, err := initKafkaProducer("invalid-broker:9999, other-invalid:9999", logger)
	require.Error(t, err)
	require.Nil(t, producer)
}

func TestInitKafkaRequester_InvalidBrokers(t *testing.T) {
	requester, err := initKafkaRequester("invalid-broker:9999", "orders.replies", log.WithField("test", "kafka"))
	require.Error(t, err)
	require.Nil(t, requester)
}

func TestShutdownHelpers(t *testing.T) {
	logger, hook := test.NewNullLogger()
	entry := logger.WithField("test", "kafka")

	require.NotPanics(t, func() {
		closeKafka(nil, entry)
		closeRequester(nil, entry)
		stopConsumer(nil, entry)
	})
	require.Empty(t, hook.AllEntries(), "nil components are skipped silently")

	logShutdown(entry, "kafka consumer", errors.New("group closed twice"))
	require.Equal(t, log.WarnLevel, hook.LastEntry().Level)
	require.Equal(t, "failed to stop kafka consumer", hook.LastEntry().Message)

	logShutdown(entry, "kafka producer", nil)
	require.Equal(t, "kafka producer stopped", hook.LastEntry().Message)
}
