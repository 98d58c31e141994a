package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/keylan/babelcall/internal/domain"
	"github.com/keylan/babelcall/internal/protocol"
)

var ErrBackpressure = errors.New("backpressure")

const writeTimeout = 5 * time.Second

type frame struct {
	messageType int
	data        []byte
}

// wsConn adapts one websocket to ClientConn. Writes go through a bounded
// queue; a slow client sheds frames instead of stalling the relay.
type wsConn struct {
	conn *websocket.Conn
	send chan frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) trySendFrame(f frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *wsConn) TrySend(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	return c.trySendFrame(frame{messageType: websocket.TextMessage, data: data})
}

func (c *wsConn) TrySendBinary(payload []byte) error {
	return c.trySendFrame(frame{messageType: websocket.BinaryMessage, data: payload})
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Controller owns the websocket endpoint of the relay.
type Controller struct {
	Hub       *Hub
	ReadLimit int64
}

func NewController(hub *Hub, readLimit int64) *Controller {
	return &Controller{Hub: hub, ReadLimit: readLimit}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the connection and services it until it drops. The
// first frame must be a register message; everything before registration
// succeeds is refused.
func (ctl *Controller) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "relay.ws").Msg("upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan frame, 64),
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go ctl.writePump(ctx, conn)
	ctl.readPump(ctx, conn)
}

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				log.Error().Err(err).Str("module", "relay.ws").Msg("writePump set deadline")
				c.Close()
				return
			}
			if err := c.conn.WriteMessage(f.messageType, f.data); err != nil {
				log.Error().Err(err).Str("module", "relay.ws").Msg("writePump write error")
				c.Close()
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, c *wsConn) {
	var number domain.Number
	registered := false

	defer func() {
		if registered {
			ctl.Hub.Disconnect(number)
		}
		c.Close()
		log.Info().Str("module", "relay.ws").Str("number", string(number)).Msg("readPump closing")
	}()

	for {
		if ctx.Err() != nil {
			return
		}
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		switch messageType {
		case websocket.BinaryMessage:
			if registered {
				ctl.Hub.ForwardAudio(number, data)
			}
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				log.Warn().Err(err).Str("module", "relay.ws").Msg("dropping malformed message")
				continue
			}
			if !registered {
				if msg.Type != protocol.TypeRegister {
					_ = c.TrySend(protocol.CallFailed("not registered"))
					continue
				}
				number, err = ctl.Hub.Register(msg, c)
				if err != nil {
					log.Warn().Err(err).Str("module", "relay.ws").Msg("registration refused")
					continue
				}
				registered = true
				continue
			}
			ctl.Hub.Route(number, msg)
		}
	}
}
