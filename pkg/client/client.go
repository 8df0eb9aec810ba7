// Package client is a small Prattle client used by tests and the load
// generator. It speaks the same framings as the server over TCP or
// WebSocket.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/aeolun/prattle/pkg/protocol"
)

var (
	// ErrClosed is returned once the connection has gone away
	ErrClosed = errors.New("connection closed")
	// ErrTimeout is returned by Next when nothing arrives in time
	ErrTimeout = errors.New("timeout waiting for envelope")
)

// Server replies the convenience helpers look for
const (
	loginSuccess    = "Login Success!"
	registerSuccess = "Register Success!"
)

// Option configures a Client
type Option func(*Client)

// WithFraming selects the record framing. JSON streaming is the default.
func WithFraming(f protocol.Framing) Option {
	return func(c *Client) { c.framing = f }
}

// transport moves raw bytes; records may span reads
type transport interface {
	write([]byte) error
	read() ([]byte, error)
	close() error
}

// Client is one connection to a server
type Client struct {
	framing protocol.Framing
	tr      transport

	sendMu   sync.Mutex
	mu       sync.RWMutex
	closed   bool
	incoming chan *protocol.Envelope
	done     chan struct{}
	readErr  error
}

// Dial connects over TCP
func Dial(addr string, opts ...Option) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}
	return newClient(&tcpTransport{conn: conn, buf: make([]byte, 32*1024)}, opts), nil
}

// DialWebSocket connects to a ws:// URL such as ws://host:8080/ws
func DialWebSocket(url string, opts ...Option) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	c := newClient(nil, opts)
	messageType := websocket.TextMessage
	if c.framing.Name() == protocol.FramingFrame {
		messageType = websocket.BinaryMessage
	}
	c.tr = &wsTransport{conn: conn, messageType: messageType}
	go c.receiveLoop()
	return c, nil
}

func newClient(tr transport, opts []Option) *Client {
	c := &Client{
		framing:  protocol.JSONStream{},
		tr:       tr,
		incoming: make(chan *protocol.Envelope, 256),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if tr != nil {
		go c.receiveLoop()
	}
	return c
}

// receiveLoop reassembles records from the byte stream
func (c *Client) receiveLoop() {
	defer close(c.done)

	var buf []byte
	for {
		data, err := c.tr.read()
		buf = append(buf, data...)

		records, consumed, splitErr := c.framing.Split(buf)
		for _, record := range records {
			if env := protocol.Parse(record); env != nil {
				c.incoming <- env
			}
		}
		if splitErr != nil {
			buf = buf[:0]
		} else {
			buf = append(buf[:0], buf[consumed:]...)
		}

		if err != nil {
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
	}
}

// Send writes one envelope
func (c *Client) Send(env *protocol.Envelope) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return ErrClosed
	}

	data, err := c.framing.Encode(env)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	if err := c.tr.write(data); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	return nil
}

// Next returns the next envelope from the server. Envelopes already
// received are returned even after the server has closed the connection.
func (c *Client) Next(timeout time.Duration) (*protocol.Envelope, error) {
	select {
	case env := <-c.incoming:
		return env, nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-c.incoming:
		return env, nil
	case <-c.done:
		select {
		case env := <-c.incoming:
			return env, nil
		default:
			return nil, ErrClosed
		}
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// NextSystem skips envelopes until a SYSTEM one arrives and returns its text
func (c *Client) NextSystem(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrTimeout
		}
		env, err := c.Next(remaining)
		if err != nil {
			return "", err
		}
		if env.IsSystem() {
			return env.Text(), nil
		}
	}
}

// Register creates an account. It does not log in.
func (c *Client) Register(username, password, publicKey string, timeout time.Duration) error {
	if err := c.Send(protocol.Register(username, password, publicKey)); err != nil {
		return err
	}
	reply, err := c.NextSystem(timeout)
	if err != nil {
		return err
	}
	if reply != registerSuccess {
		return fmt.Errorf("register rejected: %s", reply)
	}
	return nil
}

// Login authenticates the connection
func (c *Client) Login(username, password string, timeout time.Duration) error {
	if err := c.Send(protocol.Login(username, password)); err != nil {
		return err
	}
	reply, err := c.NextSystem(timeout)
	if err != nil {
		return err
	}
	if reply != loginSuccess {
		return fmt.Errorf("login rejected: %s", reply)
	}
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close closes the connection and waits for the reader to stop
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.tr.close()
	go func() {
		// unblock a reader stuck on a full channel
		for range c.incoming {
		}
	}()
	<-c.done
	close(c.incoming)
	return err
}

type tcpTransport struct {
	conn net.Conn
	buf  []byte
}

func (t *tcpTransport) write(data []byte) error {
	_, err := t.conn.Write(data)
	return err
}

func (t *tcpTransport) read() ([]byte, error) {
	n, err := t.conn.Read(t.buf)
	return t.buf[:n], err
}

func (t *tcpTransport) close() error { return t.conn.Close() }

type wsTransport struct {
	conn        *websocket.Conn
	messageType int
}

func (t *wsTransport) write(data []byte) error {
	return t.conn.WriteMessage(t.messageType, data)
}

func (t *wsTransport) read() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) close() error { return t.conn.Close() }
