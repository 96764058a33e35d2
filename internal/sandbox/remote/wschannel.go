package remote

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/sandbox"
	"github.com/relaydev/relay/pkg/protocol"
)

const wsWriteWait = 10 * time.Second

// wsChannel adapts a bidirectional WebSocket to the sandbox channel
// contract: one JSON object per text message.
type wsChannel struct {
	conn *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}

	// onClose releases transport resources tied to the channel, such as
	// the port-forwarding session. May be nil.
	onClose func()

	logger *logger.Logger
}

var _ sandbox.Channel = (*wsChannel)(nil)

func newWSChannel(conn *websocket.Conn, onClose func(), log *logger.Logger) *wsChannel {
	return &wsChannel{
		conn:    conn,
		closed:  make(chan struct{}),
		onClose: onClose,
		logger:  log.WithFields(zap.String("component", "remote-channel")),
	}
}

func (c *wsChannel) Send(msg []byte) error {
	select {
	case <-c.closed:
		return sandbox.ErrChannelClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		return sandbox.ErrChannelClosed
	}
	return nil
}

func (c *wsChannel) Receive() (protocol.Message, error) {
	for {
		select {
		case <-c.closed:
			return nil, sandbox.ErrChannelClosed
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, sandbox.ErrChannelClosed
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			c.logger.Warn("discarding unparseable remote message",
				zap.Int("bytes", len(data)),
				zap.Error(err))
			continue
		}
		return msg, nil
	}
}

func (c *wsChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.writeMu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
		if c.onClose != nil {
			c.onClose()
		}
	})
	return err
}
