package rpc

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crosslock-exchange/crosslock/internal/notify"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPongTimeout  = 60 * time.Second
	wsPingInterval = 30 * time.Second
	wsReadLimit    = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins
	},
}

// handleSubscribeSession upgrades the connection and streams the
// session's notification feed until either side goes away.
func (s *Server) handleSubscribeSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.Get(id); err != nil {
		s.writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", "id", id, "err", err)
		return
	}

	messages, cancel := s.notifier.Subscribe(id)
	client := &wsClient{
		conn:     conn,
		messages: messages,
		cancel:   cancel,
		done:     make(chan struct{}),
		srv:      s,
	}
	s.log.Debug("websocket client subscribed", "id", id)

	go client.writePump()
	go client.readPump()
}

// wsClient is one subscriber connection. The read pump only watches
// for closure and pongs; clients do not send commands.
type wsClient struct {
	conn     *websocket.Conn
	messages <-chan notify.Message
	cancel   func()
	done     chan struct{}
	srv      *Server
}

func (c *wsClient) readPump() {
	defer func() {
		c.cancel()
		close(c.done)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(wsReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.srv.log.Debug("websocket read error", "err", err)
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.messages:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}
