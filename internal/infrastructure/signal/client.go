package signal

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"meetwire/internal/core/domain"
	"meetwire/internal/core/services"
	"meetwire/internal/infrastructure/middleware"
	apperrors "meetwire/pkg/errors"
)

// client is one signaling connection.
type client struct {
	id      domain.ConnectionID
	conn    *websocket.Conn
	claims  *services.Claims
	limiter *rate.Limiter

	send chan []byte
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	userID domain.UserID

	logger *zap.SugaredLogger
}

func newClient(id domain.ConnectionID, conn *websocket.Conn, userID domain.UserID, claims *services.Claims, queue int, limiter *rate.Limiter, logger *zap.SugaredLogger) *client {
	return &client{
		id:      id,
		conn:    conn,
		claims:  claims,
		limiter: limiter,
		send:    make(chan []byte, queue),
		done:    make(chan struct{}),
		userID:  userID,
		logger:  logger,
	}
}

func (c *client) user() domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// adopt fixes the identity of an anonymous connection; the first identity
// sticks.
func (c *client) adopt(userID domain.UserID) domain.UserID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.userID == "" {
		c.userID = userID
	}
	return c.userID
}

func (c *client) enqueue(data []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- data:
	default:
		c.kill("send queue full")
	}
}

// kill stops the connection. It is safe to call from any goroutine.
func (c *client) kill(reason string) {
	c.once.Do(func() {
		c.logger.Debugw("closing connection", "connection_id", c.id, "reason", reason)
		close(c.done)
	})
}

func (c *client) reply(req Request, payload interface{}) {
	c.write(Reply{Type: req.Type, RequestID: req.RequestID, OK: true, Payload: payload})
}

func (c *client) replyError(req Request, appErr *apperrors.AppError) {
	body := middleware.NewErrorBody(appErr)
	c.write(Reply{Type: typeError, RequestID: req.RequestID, Error: &body})
}

func (c *client) write(r Reply) {
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Errorw("failed to encode reply", "connection_id", c.id, "type", r.Type, "error", err)
		return
	}
	c.enqueue(data)
}

// writePump owns all writes to the socket. It exits when the client is
// killed or a write fails, then closes the socket so the reader unblocks.
func (c *client) writePump(pingInterval, writeTimeout time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.kill("write failed")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.kill("ping failed")
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
