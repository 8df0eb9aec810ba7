package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/prattle/pkg/protocol"
)

const (
	// readWindow bounds a single poll so a tick never waits on a quiet socket
	readWindow = time.Millisecond
	// writeWindow bounds one write attempt of TrySend
	writeWindow = 10 * time.Millisecond
)

// Transport is the socket side of a session
type Transport interface {
	// TrySend writes one envelope, giving up after a bounded number of
	// attempts. It reports whether every byte was written.
	TrySend(env *protocol.Envelope) bool
	// PollNext returns the next inbound envelope, or nil when none is ready
	PollNext() *protocol.Envelope
	// Broken reports an unrecoverable read or write failure
	Broken() bool
	Close() error
	RemoteAddr() string
}

// ConnectionOptions configures a Connection
type ConnectionOptions struct {
	Framing         protocol.Framing
	BufferSize      int
	MaxSendAttempts int
}

// Connection frames envelopes over a net.Conn without ever blocking the
// caller for longer than a short deadline. Reads happen only from the owning
// session's tick; writes are serialized so shutdown notices can't interleave
// with a flush.
type Connection struct {
	conn            net.Conn
	framing         protocol.Framing
	maxSendAttempts int

	buf     []byte // unparsed bytes; cap is the configured buffer size
	pending []*protocol.Envelope

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool
	broken    atomic.Bool
}

// ErrDeadlinesUnsupported means the socket can't be polled without blocking
var ErrDeadlinesUnsupported = errors.New("connection does not support deadlines")

// NewConnection wraps conn. It fails if conn can't be polled.
func NewConnection(conn net.Conn, opts ConnectionOptions) (*Connection, error) {
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeadlinesUnsupported, err)
	}

	if opts.Framing == nil {
		opts.Framing = protocol.JSONStream{}
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	if opts.MaxSendAttempts <= 0 {
		opts.MaxSendAttempts = 100
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	return &Connection{
		conn:            conn,
		framing:         opts.Framing,
		maxSendAttempts: opts.MaxSendAttempts,
		buf:             make([]byte, 0, opts.BufferSize),
	}, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// TrySend encodes env and writes it in deadline-bounded attempts, resuming
// after partial writes.
func (c *Connection) TrySend(env *protocol.Envelope) bool {
	data, err := c.framing.Encode(env)
	if err != nil {
		errorLog.Printf("Failed to encode %s for %s: %v", env.Kind(), c.RemoteAddr(), err)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() || c.broken.Load() {
		return false
	}

	total := len(data)
	for attempt := 0; len(data) > 0 && attempt < c.maxSendAttempts; attempt++ {
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWindow)); err != nil {
			c.markBroken("set write deadline", err)
			return false
		}
		n, err := c.conn.Write(data)
		data = data[n:]
		if err != nil && !isTimeout(err) {
			c.markBroken("write", err)
			return false
		}
	}

	if len(data) > 0 {
		log.Printf("Sent only %d of %d bytes to %s, dropping client", total-len(data), total, c.RemoteAddr())
		return false
	}
	return true
}

// PollNext returns a buffered envelope if one is waiting. Otherwise it reads
// whatever the socket has ready into the buffer and parses every complete
// record it finds.
func (c *Connection) PollNext() *protocol.Envelope {
	if env := c.popPending(); env != nil {
		return env
	}
	if c.closed.Load() || c.broken.Load() {
		return nil
	}
	c.fill()
	return c.popPending()
}

func (c *Connection) popPending() *protocol.Envelope {
	if len(c.pending) == 0 {
		return nil
	}
	env := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	return env
}

func (c *Connection) fill() {
	if err := c.conn.SetReadDeadline(time.Now().Add(readWindow)); err != nil {
		c.markBroken("set read deadline", err)
		return
	}

	n, err := c.conn.Read(c.buf[len(c.buf):cap(c.buf)])
	c.buf = c.buf[:len(c.buf)+n]
	if err != nil && !isTimeout(err) {
		// keep whatever arrived with the error
		c.markBroken("read", err)
	}
	if n == 0 {
		return
	}

	records, consumed, err := c.framing.Split(c.buf)
	for _, record := range records {
		env := protocol.Parse(record)
		if env == nil {
			debugLog.Printf("Dropping unparseable record from %s (%d bytes)", c.RemoteAddr(), len(record))
			continue
		}
		c.pending = append(c.pending, env)
	}

	if err != nil {
		debugLog.Printf("Discarding %d buffered bytes from %s: %v", len(c.buf), c.RemoteAddr(), err)
		c.buf = c.buf[:0]
		return
	}

	remaining := copy(c.buf, c.buf[consumed:])
	c.buf = c.buf[:remaining]

	if len(c.buf) == cap(c.buf) {
		debugLog.Printf("Record from %s exceeds %d byte buffer, discarding", c.RemoteAddr(), cap(c.buf))
		c.buf = c.buf[:0]
	}
}

func (c *Connection) markBroken(op string, err error) {
	if c.broken.CompareAndSwap(false, true) && !c.closed.Load() {
		debugLog.Printf("Connection %s failed on %s: %v", c.RemoteAddr(), op, err)
	}
}

// Broken reports whether a read or write has failed for good
func (c *Connection) Broken() bool {
	return c.broken.Load()
}

// Close closes the socket. Repeated calls are no-ops.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.conn.Close()
		if err != nil {
			debugLog.Printf("Error closing connection %s: %v", c.RemoteAddr(), err)
		}
	})
	return err
}

// RemoteAddr returns the remote network address
func (c *Connection) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}
