package live

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	maxInbound = 4 << 10
	sendBuffer = 32
)

type conn struct {
	id     string
	userID int64
	ws     *websocket.Conn
	send   chan []byte
	done   chan struct{}
}

// Upgrader builds the websocket upgrader. A nil checkOrigin accepts any
// origin.
func Upgrader(checkOrigin func(r *http.Request) bool) *websocket.Upgrader {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	}
}

// ServeWS upgrades the request and serves one connection for userID until
// the client goes away.
func (h *Hub) ServeWS(up *websocket.Upgrader, w http.ResponseWriter, r *http.Request, userID int64) {
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Int64("user_id", userID).Msg("websocket upgrade failed")
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		userID: userID,
		ws:     ws,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	h.register(c)
	log := h.logger.With().Str("conn_id", c.id).Int64("user_id", userID).Logger()
	log.Debug().Msg("live connection opened")

	go h.writeLoop(c)
	h.readLoop(r.Context(), c)

	h.unregister(c)
	close(c.done)
	_ = ws.Close()
	log.Debug().Msg("live connection closed")
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	ctx = context.WithoutCancel(ctx)
	c.ws.SetReadLimit(maxInbound)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			h.logger.Debug().Err(err).Str("conn_id", c.id).Msg("ignoring malformed client event")
			continue
		}
		if err := h.handleInbound(ctx, c.userID, ev); err != nil {
			h.logger.Warn().Err(err).Str("conn_id", c.id).Str("event", ev.Name).Msg("client event rejected")
		}
	}
}

func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				_ = c.ws.Close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = c.ws.Close()
				return
			}
		}
	}
}
