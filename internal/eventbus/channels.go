package eventbus

import (
	"errors"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// KafkaConfig selects brokers and the consumer group for the Kafka transport.
type KafkaConfig struct {
	Brokers       []string `json:"brokers"`
	ConsumerGroup string   `json:"consumer_group"`
}

// NewGoChannel returns a Bus backed by an in-process watermill go channel.
func NewGoChannel(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            1000,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		watermill.NewSlogLogger(logger),
	)
	return New(pubSub, pubSub, logger)
}

// NewKafka returns a Bus backed by Kafka.
func NewKafka(cfg KafkaConfig, logger *slog.Logger) (*Bus, error) {
	if len(cfg.Brokers) == 0 || cfg.Brokers[0] == "" {
		return nil, errors.New("kafka brokers are not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	group := cfg.ConsumerGroup
	if group == "" {
		group = "cg-bizflow"
	}
	wmLogger := watermill.NewSlogLogger(logger)

	subscriberConfig := kafka.DefaultSaramaSubscriberConfig()
	subscriberConfig.Consumer.Offsets.Initial = sarama.OffsetOldest

	subscriber, err := kafka.NewSubscriber(
		kafka.SubscriberConfig{
			Brokers:               cfg.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: subscriberConfig,
			ConsumerGroup:         group,
			OTELEnabled:           true,
		},
		wmLogger,
	)
	if err != nil {
		return nil, err
	}

	publisherConfig := sarama.NewConfig()
	publisherConfig.Producer.Return.Successes = true
	publisher, err := kafka.NewPublisher(
		kafka.PublisherConfig{
			Brokers:               cfg.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: publisherConfig,
			OTELEnabled:           true,
		},
		wmLogger,
	)
	if err != nil {
		_ = subscriber.Close()
		return nil, err
	}

	return New(publisher, subscriber, logger), nil
}
