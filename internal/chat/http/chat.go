package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/aussiebroadwan/simplechat/internal/chat/hub"
	"github.com/aussiebroadwan/simplechat/pkg/slogx"
)

const (
	// MaxPacketBytes caps a single inbound websocket message.
	MaxPacketBytes = 16 << 10

	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ChatHandler upgrades GET /chat to a websocket and feeds its messages to the
// broadcast registry. Connections start unauthenticated; the client binds
// one by sending an authorization packet.
type ChatHandler struct {
	Hub      *hub.Registry
	Upgrader websocket.Upgrader
}

func NewChatHandler(h *hub.Registry) *ChatHandler {
	return &ChatHandler{
		Hub: h,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (h *ChatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fp := Fingerprint(r)

	ws, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an error response
		slogx.FromContext(r.Context()).Warn("websocket upgrade failed", "error", err)
		return
	}

	conn := &wsConn{id: uuid.NewString(), ws: ws}
	ctx := slogx.With(context.WithoutCancel(r.Context()),
		"conn_id", conn.ID(),
		"device", deviceLabel(fp.UserAgent),
	)
	log := slogx.FromContext(ctx)

	if err := h.Hub.OnConnect(ctx, conn, fp); err != nil {
		log.Warn("connection refused by registry", "error", err)
		_ = conn.Close(websocket.CloseTryAgainLater, "server unavailable")
		return
	}
	defer func() {
		h.Hub.OnDisconnect(ctx, conn.ID())
		_ = ws.Close()
	}()

	stopPing := make(chan struct{})
	defer close(stopPing)
	go conn.keepalive(stopPing)

	ws.SetReadLimit(MaxPacketBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		kind, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Info("websocket closed unexpectedly", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage {
			log.Debug("ignoring non-text websocket message", "type", kind)
			continue
		}

		h.Hub.OnMessage(ctx, conn.ID(), payload)
	}
}

// wsConn adapts a gorilla connection to hub.Conn. Data frames are only
// written by the registry's writer goroutine; control frames may be written
// from anywhere.
type wsConn struct {
	id string
	ws *websocket.Conn
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	if errors.Is(err, websocket.ErrCloseSent) {
		err = nil
	}
	return errors.Join(err, c.ws.Close())
}

func (c *wsConn) keepalive(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}
}
