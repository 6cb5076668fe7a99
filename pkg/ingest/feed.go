package ingest

import (
	"context"
	"fmt"
	"log"
)

// Feed is the subscribe side of the sensor feed: one numeric payload
// per message on a fixed channel. Implementations: WebsocketFeed
// (production), ChannelFeed (testing).
type Feed interface {
	// Subscribe delivers each raw message payload to handler until ctx
	// is cancelled or the feed fails permanently. Handler errors are
	// the handler's problem; they never stop the subscription.
	Subscribe(ctx context.Context, handler func(payload []byte) error) error

	// State reports the subscription lifecycle state.
	State() FeedState

	// ForceReconnect resets a feed stuck in MaxRetriesExceeded.
	ForceReconnect() error

	Close() error
}

// FeedState is the subscription lifecycle state.
type FeedState int32

const (
	Disconnected FeedState = iota
	Connecting
	Connected
	Reconnecting
	// MaxRetriesExceeded is terminal until ForceReconnect.
	MaxRetriesExceeded
)

func (s FeedState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case MaxRetriesExceeded:
		return "max_retries_exceeded"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// ChannelFeed delivers payloads from an in-process channel. Useful for
// testing and development.
type ChannelFeed struct {
	ch chan []byte
}

// NewChannelFeed creates a channel feed with the given buffer.
func NewChannelFeed(buffer int) *ChannelFeed {
	return &ChannelFeed{ch: make(chan []byte, buffer)}
}

// Publish queues one payload for delivery.
func (f *ChannelFeed) Publish(payload []byte) {
	f.ch <- payload
}

// Subscribe delivers queued payloads until ctx is cancelled.
func (f *ChannelFeed) Subscribe(ctx context.Context, handler func(payload []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-f.ch:
			if !ok {
				return nil
			}
			if err := handler(payload); err != nil {
				log.Printf("Error processing message: %v", err)
			}
		}
	}
}

func (f *ChannelFeed) State() FeedState      { return Connected }
func (f *ChannelFeed) ForceReconnect() error { return nil }
func (f *ChannelFeed) Close() error          { return nil }
