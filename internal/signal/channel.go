// Package signal maintains the persistent message channel to the relay
// backend: framing outbound control messages, demultiplexing inbound text
// frames from raw audio payloads, and surfacing connection-lifecycle
// events. Reconnection policy belongs to the owner, not here.
package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/protocol"
)

var (
	ErrNotConnected = errors.New("signaling channel not connected")
	ErrBackpressure = errors.New("signaling channel backpressure")
)

// ChannelError is a transport-level failure: connection refused or lost.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel %s: %v", e.Op, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

const (
	writeTimeout  = 5 * time.Second
	sendQueueSize = 64
)

type outFrame struct {
	messageType int
	data        []byte
}

// Handler receives decoded control messages, one call per frame, in
// receive order.
type Handler func(protocol.Message)

// AudioHandler receives raw binary payloads, which bypass message decoding
// entirely.
type AudioHandler func([]byte)

// Channel is one websocket connection to the backend. It outlives call
// sessions but not the registration: once closed it is done.
type Channel struct {
	conn *websocket.Conn
	send chan outFrame

	onMessage Handler
	onAudio   AudioHandler
	onClose   func(error)

	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
}

// Dial opens the channel. The caller registers handlers and then calls
// Run; the first message it sends must be the register message.
func Dial(ctx context.Context, url string) (*Channel, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ChannelError{Op: "dial", Err: err}
	}
	return &Channel{
		conn: conn,
		send: make(chan outFrame, sendQueueSize),
	}, nil
}

func (c *Channel) OnMessage(fn Handler)    { c.onMessage = fn }
func (c *Channel) OnAudio(fn AudioHandler) { c.onAudio = fn }
func (c *Channel) OnClose(fn func(error))  { c.onClose = fn }

// Run starts the read and write pumps. Handlers must be registered first.
func (c *Channel) Run(ctx context.Context) {
	go c.writePump(ctx)
	go c.readPump(ctx)
}

// Send enqueues one control message. Failing silently is not acceptable:
// a closed channel yields ErrNotConnected, a full queue ErrBackpressure.
func (c *Channel) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.trySend(outFrame{messageType: websocket.TextMessage, data: data})
}

// SendAudio enqueues one raw audio payload outside the message envelope.
func (c *Channel) SendAudio(payload []byte) error {
	return c.trySend(outFrame{messageType: websocket.BinaryMessage, data: payload})
}

func (c *Channel) trySend(f outFrame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrNotConnected
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *Channel) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				c.shutdown(&ChannelError{Op: "write", Err: err})
				return
			}
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				c.shutdown(&ChannelError{Op: "write", Err: err})
				return
			}
		}
	}
}

func (c *Channel) readPump(ctx context.Context) {
	var cause error
	defer func() {
		c.shutdown(cause)
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				cause = &ChannelError{Op: "read", Err: err}
				log.Error().Err(err).Str("module", "signal").Msg("readPump read error")
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			if c.onAudio != nil {
				c.onAudio(data)
			}
		case websocket.TextMessage:
			m, err := protocol.Decode(data)
			if err != nil {
				// Malformed frames are dropped; the session stays up.
				log.Warn().Err(err).Str("module", "signal").Msg("dropping malformed message")
				continue
			}
			if c.onMessage != nil {
				c.onMessage(m)
			}
		}
	}
}

func (c *Channel) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close tears the channel down. Idempotent; triggers OnClose with nil cause.
func (c *Channel) Close() {
	c.shutdown(nil)
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.send)
		_ = c.conn.Close()
		log.Info().Str("module", "signal").Msg("channel closed")
		if c.onClose != nil {
			c.onClose(cause)
		}
	})
}
