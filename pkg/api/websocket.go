package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vjranagit/tsdv/pkg/bridge"
	"github.com/vjranagit/tsdv/pkg/protocol"
)

const wsWriteTimeout = 10 * time.Second

// Surface operations carried over the websocket
const (
	OpLoadData   = "loadData"
	OpEmitSignal = "emitSignal"
	OpLogEvent   = "logEvent"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the surface is served from this process or a local file
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is one call from the surface
type wsMessage struct {
	Op string `json:"op"`
	loadRequest
	Name   string `json:"name"`
	Values string `json:"values"`
	logEventRequest
}

// wsConn serialises writes to one connection
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Deliver writes the invocation script as a text frame
func (c *wsConn) Deliver(inv protocol.Invocation) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(inv.Script))
}

var _ bridge.Sink = (*wsConn)(nil)

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	client := &wsConn{conn: conn}
	logger := s.logger.With("remote", r.RemoteAddr)
	logger.Debug("surface connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn("websocket read failed", "error", err)
			}
			return
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("dropped malformed surface call", "error", err)
			continue
		}

		switch msg.Op {
		case OpLoadData:
			// delivery happens on the bridge's emitter goroutine
			s.bridge.LoadData(msg.loadRequest.toAsync(client))
		case OpEmitSignal:
			s.bridge.EmitSignal(msg.Name, msg.Values)
		case OpLogEvent:
			if err := s.bridge.LogEvent(msg.logEventRequest.entry()); err != nil {
				logger.Warn("failed to log event", "method", msg.Method, "error", err)
			}
		default:
			logger.Warn("unknown surface call", "op", msg.Op)
		}
	}
}
