package bridge

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/semantest/docs-sub005/internal/config"
)

// Dial builds the publisher and subscriber for cfg.Transport. The
// gochannel transport is in-process and returns one pub/sub for both.
func Dial(cfg config.BridgeConfig, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	switch cfg.Transport {
	case "", config.TransportGoChannel:
		ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return ps, ps, nil

	case config.TransportAMQP:
		ac := amqp.NewDurablePubSubConfig(cfg.AMQPURL, amqp.GenerateQueueNameTopicNameWithSuffix("semhub"))
		pub, err := amqp.NewPublisher(ac, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("amqp publisher: %w", err)
		}
		sub, err := amqp.NewSubscriber(ac, logger)
		if err != nil {
			_ = pub.Close()
			return nil, nil, fmt.Errorf("amqp subscriber: %w", err)
		}
		return pub, sub, nil

	default:
		return nil, nil, fmt.Errorf("unknown bridge transport %q", cfg.Transport)
	}
}
