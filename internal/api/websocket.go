package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 64 << 10
)

// wsReply is sent for every chat message received on the socket.
type wsReply struct {
	Text  string `json:"text,omitempty"`
	Error string `json:"error,omitempty"`
	Code  int    `json:"code,omitempty"`
}

func (s *Server) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
}

// checkOrigin accepts same-host pages and configured CORS origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if s.originAllowed(origin) {
		return true
	}
	u, err := url.Parse(origin)
	return err == nil && u.Host == r.Host
}

// wsConn serializes writes from the turn goroutines and the pinger.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) write(messageType int, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if messageType == websocket.PingMessage {
		return c.conn.WriteMessage(websocket.PingMessage, nil)
	}
	return c.conn.WriteJSON(v)
}

// handleWebSocket serves the chat protocol over a websocket: each text
// frame is a ChatRequest and is answered by one wsReply. Turns run
// concurrently with reading so keepalives keep flowing; a second
// message sent while a turn is in flight gets a 409 reply.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	key := sessionKey(r)
	if _, ok := s.deps.Sessions.Get(key); !ok {
		s.errorResponse(w, http.StatusNotFound, "Could not locate Session Key")
		return
	}

	conn, err := s.upgrader().Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "session_key", key, "error", err)
		return
	}
	log := s.logger.With("session_key", key)
	log.Info("websocket connected")

	ctx, cancel := context.WithCancel(r.Context())
	wc := &wsConn{conn: conn}
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		conn.Close()
		log.Info("websocket disconnected")
	}()

	conn.SetReadLimit(wsMaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := wc.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	for {
		var req ChatRequest
		if err := conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("websocket read failed", "error", err)
			}
			return
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := wsReply{}
			text, err := s.chat(ctx, key, req)
			var he *httpError
			switch {
			case errors.As(err, &he):
				reply.Error, reply.Code = he.msg, he.code
			case err != nil:
				reply.Error, reply.Code = err.Error(), http.StatusInternalServerError
			default:
				reply.Text = text
			}
			if err := wc.write(websocket.TextMessage, reply); err != nil {
				log.Debug("websocket write failed", "error", err)
			}
		}()
	}
}
