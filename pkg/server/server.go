package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/prattle/pkg/database"
	"github.com/aeolun/prattle/pkg/protocol"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

var (
	// ErrAlreadyStarted is returned by Start on a running server
	ErrAlreadyStarted = errors.New("server already started")
	// ErrServerClosed is returned by Start after Close
	ErrServerClosed = errors.New("server closed")
)

// Server accepts connections and runs one Session per client on a shared
// worker pool
type Server struct {
	db        Gateway
	hasher    PasswordHasher
	registry  *Registry
	scheduler *Scheduler
	metrics   *Metrics
	framing   protocol.Framing
	config    ServerConfig
	now       func() time.Time

	listener     *net.TCPListener
	httpListener net.Listener
	httpServer   *http.Server
	running      atomic.Bool
	acceptDone   chan struct{}
	lifecycleMu  sync.Mutex // serializes Start and Stop

	shutdown    chan struct{}
	closeOnce   sync.Once
	metricsOnce sync.Once
	wg        sync.WaitGroup
	nextID    atomic.Uint64
	startTime time.Time

	// Connection deltas for periodic reporting
	connectionsSinceReport atomic.Int64
}

// Open sets up logging, opens the SQLite database at dbPath and builds a
// server on top of it
func Open(dbPath string, config ServerConfig) (*Server, error) {
	if err := initLoggers(); err != nil {
		return nil, fmt.Errorf("failed to initialize loggers: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	srv, err := NewServer(db, config)
	if err != nil {
		db.Close()
		return nil, err
	}
	return srv, nil
}

// NewServer creates a server backed by db. The server owns db from here on
// and closes it in Close.
func NewServer(db Gateway, config ServerConfig) (*Server, error) {
	framing, err := protocol.NewFraming(config.Framing)
	if err != nil {
		return nil, err
	}

	metrics := NewMetrics()
	return &Server{
		db:        db,
		hasher:    NewBcryptHasher(config.BcryptCost),
		registry:  NewRegistry(metrics),
		scheduler: NewScheduler(config.PoolSize),
		metrics:   metrics,
		framing:   framing,
		config:    config,
		now:       time.Now,
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}, nil
}

// getServerDataDir returns the server data directory, creating it if needed
func getServerDataDir() (string, error) {
	var dataDir string
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		dataDir = filepath.Join(xdg, "prattle")
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share", "prattle")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// initLoggers sets up error and debug loggers
func initLoggers() error {
	dataDir, err := getServerDataDir()
	if err != nil {
		return err
	}

	// Error log goes to stderr and errors.log
	errorLogPath := filepath.Join(dataDir, "errors.log")
	errorFile, err := os.OpenFile(errorLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker so runs can be told apart
	startupMsg := fmt.Sprintf("=== Server started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log (also used by the database package) goes to stdout and server.log
	serverLogPath := filepath.Join(dataDir, "server.log")
	serverLogFile, err := os.OpenFile(serverLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func (s *Server) EnableDebugLogging() {
	dataDir, err := getServerDataDir()
	if err != nil {
		log.Printf("Failed to get data directory: %v", err)
		return
	}

	debugLogPath := filepath.Join(dataDir, "debug.log")
	debugLogFile, err := os.OpenFile(debugLogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start binds the listening sockets and starts accepting. A bind failure
// is returned and nothing is left running.
func (s *Server) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	select {
	case <-s.shutdown:
		return ErrServerClosed
	default:
	}
	if s.running.Load() {
		return ErrAlreadyStarted
	}

	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener.(*net.TCPListener)
	log.Printf("Listening on %s (%s framing)", s.listener.Addr(), s.framing.Name())

	if s.config.HTTPPort > 0 && s.httpServer == nil {
		if err := s.startHTTP(); err != nil {
			s.listener.Close()
			return err
		}
	}

	s.acceptDone = make(chan struct{})
	s.running.Store(true)
	go s.acceptLoop(s.listener, s.acceptDone)

	s.metricsOnce.Do(func() {
		s.wg.Add(1)
		go s.metricsLoggingLoop()
	})

	return nil
}

// startHTTP serves /ws, /metrics and /health
func (s *Server) startHTTP() error {
	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/ws", s.HandleWebSocket)

	s.httpListener = listener
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	log.Printf("HTTP server listening on %s (/ws, /metrics, /health)", listener.Addr())

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
		}
	}()
	return nil
}

// TCPAddr returns the bound TCP address, or "" before Start
func (s *Server) TCPAddr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// HTTPAddr returns the bound HTTP address, or "" when HTTP is disabled
func (s *Server) HTTPAddr() string {
	if s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// acceptLoop waits for connections in short polls so Stop takes effect
// within one poll interval
func (s *Server) acceptLoop(listener *net.TCPListener, done chan struct{}) {
	defer close(done)

	for s.running.Load() {
		if err := listener.SetDeadline(time.Now().Add(s.config.AcceptPollDelay)); err != nil {
			errorLog.Printf("Failed to set accept deadline: %v", err)
			return
		}

		conn, err := listener.Accept()
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || !s.running.Load() {
				return
			}
			errorLog.Printf("Accept error: %v", err)
			continue
		}

		s.adopt(conn)
	}
}

// adopt wraps an accepted socket in a session and schedules it
func (s *Server) adopt(conn net.Conn) {
	select {
	case <-s.shutdown:
		conn.Close()
		return
	default:
	}

	c, err := NewConnection(conn, ConnectionOptions{
		Framing:         s.framing,
		BufferSize:      s.config.ReadBufferSize,
		MaxSendAttempts: s.config.MaxSendAttempts,
	})
	if err != nil {
		errorLog.Printf("Rejecting connection from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	sess := s.attach(c)
	debugLog.Printf("New connection from %s (session %d)", c.RemoteAddr(), sess.ID)
}

// attach registers a session for conn and schedules its ticks
func (s *Server) attach(conn Transport) *Session {
	sess := newSession(s.nextID.Add(1), s, conn)
	s.registry.Register(sess)
	sess.handle.Store(s.scheduler.Schedule(sess, s.config.TickInterval))

	s.metrics.RecordSessionCreated()
	s.connectionsSinceReport.Add(1)
	return sess
}

// Stop stops accepting connections. Registered sessions keep running.
func (s *Server) Stop() {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.running.CompareAndSwap(true, false) {
		return
	}
	<-s.acceptDone
	s.listener.Close()
	log.Println("TCP listener closed")
}

// Close stops the server for good: it terminates every session, stops the
// scheduler and the HTTP server, and closes the database.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		s.Stop()
		s.lifecycleMu.Lock()
		close(s.shutdown)
		s.lifecycleMu.Unlock()

		sessions := s.registry.Snapshot()
		log.Printf("Closing %d client sessions...", len(sessions))
		for _, sess := range sessions {
			sess.terminate(reasonServer)
		}

		s.scheduler.Stop()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				log.Printf("HTTP server shutdown error: %v", shutdownErr)
			}
			cancel()
		}

		s.wg.Wait()

		if err = s.db.Close(); err != nil {
			log.Printf("Error during database close: %v", err)
			return
		}
		log.Println("Graceful shutdown complete")
	})
	return err
}

// HealthHandler reports liveness and basic counters as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":         "ok",
		"accepting":      s.running.Load(),
		"sessions":       s.registry.Count(),
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}

// metricsLoggingLoop logs session counts periodically
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			log.Printf("[METRICS] Active sessions: %d, connected since last: %d, goroutines: %d",
				s.registry.Count(), s.connectionsSinceReport.Swap(0), runtime.NumGoroutine())
		}
	}
}
