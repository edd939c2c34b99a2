package controller

import (
	"context"
	"net/http"
	"time"

	"fuzexec/internal/exec/model"
	"fuzexec/pkg/utils/logger"
	"fuzexec/pkg/utils/response"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Callers authenticate with a bearer token, not cookies.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WatchMessage is one frame pushed on the watch socket.
type WatchMessage struct {
	Type     string         `json:"type"`
	Snapshot model.Snapshot `json:"snapshot"`
}

const (
	watchTypeState = "state"
	watchTypeFinal = "final"
)

// Watch upgrades to a websocket, pushes the current snapshot and then the
// terminal one, and closes.
func (h *ExecController) Watch(c *gin.Context) {
	id := c.Param("id")
	snap, err := h.visible(c, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(logger.WithSubmission(c.Request.Context(), id))
	defer cancel()
	go func() {
		// Client frames are ignored; a read error means the peer left.
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if snap.State.Terminal() {
		h.send(ctx, conn, watchTypeFinal, snap)
		closeNormal(conn)
		return
	}
	if !h.send(ctx, conn, watchTypeState, snap) {
		return
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.engine.Wait(ctx, id)
	}()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			if ctx.Err() != nil {
				return
			}
			final, err := h.lookup(ctx, id)
			if err != nil {
				logger.Warn(ctx, "watch lookup failed", zap.Error(err))
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "lookup failed"),
					time.Now().Add(writeWait))
				return
			}
			h.send(ctx, conn, watchTypeFinal, final)
			closeNormal(conn)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *ExecController) send(ctx context.Context, conn *websocket.Conn, kind string, snap model.Snapshot) bool {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(WatchMessage{Type: kind, Snapshot: snap}); err != nil {
		logger.Debug(ctx, "watch write failed", zap.Error(err))
		return false
	}
	return true
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
}
