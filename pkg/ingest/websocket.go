package ingest

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// WebsocketFeed subscribes to the sensor feed over a websocket and
// redials with a fixed delay when the connection drops. After
// maxAttempts consecutive failures the feed parks in
// MaxRetriesExceeded until ForceReconnect.
type WebsocketFeed struct {
	url            string
	reconnectDelay time.Duration
	maxAttempts    int

	state atomic.Int32
	reset chan struct{}

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebsocketFeed creates a feed for the given websocket URL.
func NewWebsocketFeed(url string, reconnectDelay time.Duration, maxAttempts int) *WebsocketFeed {
	return &WebsocketFeed{
		url:            url,
		reconnectDelay: reconnectDelay,
		maxAttempts:    maxAttempts,
		reset:          make(chan struct{}, 1),
	}
}

// State returns the current lifecycle state.
func (f *WebsocketFeed) State() FeedState {
	return FeedState(f.state.Load())
}

func (f *WebsocketFeed) setState(s FeedState) {
	f.state.Store(int32(s))
}

// Subscribe dials the feed and delivers every message payload to
// handler. It blocks until ctx is cancelled; connection failures are
// handled internally through the reconnect policy.
func (f *WebsocketFeed) Subscribe(ctx context.Context, handler func(payload []byte) error) error {
	attempts := 0

	for {
		if ctx.Err() != nil {
			f.setState(Disconnected)
			return ctx.Err()
		}

		if attempts == 0 {
			f.setState(Connecting)
		} else {
			f.setState(Reconnecting)
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
		if err != nil {
			attempts++
			log.Printf("Feed dial failed (attempt %d/%d): %v", attempts, f.maxAttempts, err)

			if attempts >= f.maxAttempts {
				f.setState(MaxRetriesExceeded)
				log.Printf("Feed gave up after %d attempts, waiting for forced reconnect", attempts)
				select {
				case <-ctx.Done():
					f.setState(Disconnected)
					return ctx.Err()
				case <-f.reset:
					attempts = 0
					continue
				}
			}

			select {
			case <-ctx.Done():
				f.setState(Disconnected)
				return ctx.Err()
			case <-time.After(f.reconnectDelay):
			}
			continue
		}

		attempts = 0
		f.setConn(conn)
		f.setState(Connected)
		log.Printf("Feed connected to %s", f.url)

		// Unblock ReadMessage when ctx is cancelled or a reconnect is
		// forced while connected.
		done := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				conn.Close()
			case <-f.reset:
				conn.Close()
			case <-done:
			}
		}()

		f.readLoop(conn, handler)
		close(done)
		f.setConn(nil)

		if ctx.Err() != nil {
			f.setState(Disconnected)
			return ctx.Err()
		}
		f.setState(Reconnecting)
	}
}

func (f *WebsocketFeed) readLoop(conn *websocket.Conn, handler func(payload []byte) error) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			log.Printf("Feed read error: %v", err)
			conn.Close()
			return
		}
		if err := handler(payload); err != nil {
			log.Printf("Error processing message: %v", err)
		}
	}
}

func (f *WebsocketFeed) setConn(conn *websocket.Conn) {
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
}

// ForceReconnect resets the retry budget and forces a fresh dial. It is
// the only way out of MaxRetriesExceeded.
func (f *WebsocketFeed) ForceReconnect() error {
	select {
	case f.reset <- struct{}{}:
	default:
		return fmt.Errorf("reconnect already pending")
	}
	return nil
}

// Close closes the active connection, if any.
func (f *WebsocketFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
