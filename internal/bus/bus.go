// Package bus fans realtime frames out to live connections.
//
// Topics are per recipient (see UserTopic), so one publish reaches every
// session of that user and a conversation event is published once per
// member. Delivery is best-effort and at-most-once: nothing is queued for
// subscribers that are not connected when a frame is published.
package bus

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("bus closed")

// Subscriber is one live connection. Deliver must not block; it reports
// false when the frame could not be queued.
type Subscriber interface {
	ID() string
	Deliver(frame []byte) bool
}

type Bus interface {
	Publish(ctx context.Context, topic string, frame []byte) error
	Subscribe(topic string, sub Subscriber) error
	Unsubscribe(topic string, sub Subscriber)
	Close() error
}

const userTopicPrefix = "user:"

func UserTopic(userID string) string {
	return userTopicPrefix + userID
}
