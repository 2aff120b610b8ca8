// Package gochannel provides the in-process submission channel used by single-binary deployments and tests.
package gochannel

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// DefaultBuffer is the output buffer of the in-process channel.
const DefaultBuffer = 1000

// CreateChannel returns one GoChannel acting as both publisher and subscriber. With blocking set,
// Publish waits for the subscriber to ack, which keeps tests deterministic.
func CreateChannel(logger watermill.LoggerAdapter, buffer int64, blocking bool) (*gochannel.GoChannel, *gochannel.GoChannel, error) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	pubSub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            buffer,
			Persistent:                     blocking,
			BlockPublishUntilSubscriberAck: blocking,
		},
		logger,
	)

	return pubSub, pubSub, nil
}
