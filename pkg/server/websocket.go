package server

import (
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/aeolun/prattle/pkg/protocol"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// wsConn is the session's end of a WebSocket bridge. It reports the
// browser's address instead of the pipe's.
type wsConn struct {
	net.Conn
	remote net.Addr
}

func (c *wsConn) RemoteAddr() net.Addr { return c.remote }

// HandleWebSocket upgrades the request and bridges the socket onto a
// net.Pipe, so the session sees the same byte stream a TCP client sends.
// Record boundaries need not match WebSocket message boundaries.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.running.Load() {
		http.Error(w, "server is not accepting connections", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	local, bridge := net.Pipe()
	messageType := websocket.TextMessage
	if s.framing.Name() == protocol.FramingFrame {
		messageType = websocket.BinaryMessage
	}

	// client -> session
	go func() {
		defer bridge.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if _, err := bridge.Write(data); err != nil {
				ws.Close()
				return
			}
		}
	}()

	// session -> client
	go func() {
		defer ws.Close()
		buf := make([]byte, 32*1024)
		for {
			n, err := bridge.Read(buf)
			if n > 0 {
				if werr := ws.WriteMessage(messageType, buf[:n]); werr != nil {
					bridge.Close()
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	s.adopt(&wsConn{Conn: local, remote: ws.RemoteAddr()})
}
