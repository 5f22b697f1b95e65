package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 2 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	// closeReplaced 应用自定义关闭码：同一参与者建立了新连接
	closeReplaced = 4001
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler 服务端：把 websocket 连接挂到会话 Hub 上。
// 查询参数 session 必填，participant 可选。
type WSHandler struct {
	Registry *Registry
	Logger   *zap.Logger
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	participantID := r.URL.Query().Get("participant")
	if sessionID == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	log := h.logger().With(zap.String("session", sessionID), zap.String("participant", participantID))

	stream, err := h.Registry.Hub(sessionID).Attach(participantID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		stream.Close()
		log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	log.Info("websocket subscriber connected")

	go writePump(conn, stream, log)
	readPump(conn, stream, log)
}

func (h *WSHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// readPump 只作为连接存活的看门狗，客户端不发送业务消息。
func readPump(conn *websocket.Conn, stream *Stream, log *zap.Logger) {
	defer func() {
		stream.Close()
		conn.Close()
		log.Info("websocket subscriber disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

func writePump(conn *websocket.Conn, stream *Stream, log *zap.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case env := <-stream.ch:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Info("websocket write error", zap.Error(err))
				return
			}
		case <-stream.Done():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, closeMessage(stream.Err()))
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func closeMessage(err error) []byte {
	if errors.Is(err, ErrStreamReplaced) {
		return websocket.FormatCloseMessage(closeReplaced, err.Error())
	}
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, reason)
}

// WSDialer 客户端：连接 WSHandler。URL 形如 ws://host:8080/ws。
type WSDialer struct {
	URL      string
	Dialer   *websocket.Dialer
	PongWait time.Duration
}

func (d *WSDialer) Dial(ctx context.Context, sessionID, participantID string) (Link, error) {
	u, err := url.Parse(d.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: bad websocket url: %w", err)
	}
	q := u.Query()
	q.Set("session", sessionID)
	if participantID != "" {
		q.Set("participant", participantID)
	}
	u.RawQuery = q.Encode()

	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("realtime: dial %s: %w", ChannelName(sessionID), err)
	}

	wait := d.PongWait
	if wait <= 0 {
		wait = pongWait
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(wait))
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
	return &wsLink{conn: conn, wait: wait}, nil
}

type wsLink struct {
	conn *websocket.Conn
	wait time.Duration
}

func (l *wsLink) Recv(ctx context.Context) (Envelope, error) {
	stop := context.AfterFunc(ctx, func() {
		l.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, data, err := l.conn.ReadMessage()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Envelope{}, ctxErr
		}
		if websocket.IsCloseError(err, closeReplaced) {
			return Envelope{}, fmt.Errorf("%w: %v", ErrStreamReplaced, err)
		}
		return Envelope{}, err
	}
	l.conn.SetReadDeadline(time.Now().Add(l.wait))

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (l *wsLink) Close() error {
	l.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return l.conn.Close()
}
