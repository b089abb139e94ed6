package server

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/aeolun/pairchat/pkg/content"
	"github.com/aeolun/pairchat/pkg/database"
	"github.com/aeolun/pairchat/pkg/protocol"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"
)

// readBufferSize is how much a connection handler asks for per read
const readBufferSize = 8 * 1024

// shutdownTimeout bounds how long Stop waits for HTTP servers to drain
const shutdownTimeout = 5 * time.Second

// fileEnvelopeSize is the frame space reserved for a file request's fields
// other than file_data
const fileEnvelopeSize = 1024

// fileFrameSize is the smallest frame cap that carries a file of maxFileBytes
func fileFrameSize(maxFileBytes int) uint64 {
	return uint64(base64.StdEncoding.EncodedLen(maxFileBytes)) + fileEnvelopeSize
}

// Server represents the pairchat server
type Server struct {
	db       DatabaseStore
	files    ContentStore
	sessions *SessionManager
	metrics  *Metrics
	config   ServerConfig

	listener    net.Listener
	httpServers []*http.Server
	startTime   time.Time
	shutdown    chan struct{}
	wg          sync.WaitGroup

	trackMu  sync.Mutex
	stopping bool
}

// ServerConfig holds server configuration
type ServerConfig struct {
	BindAddress  string
	TCPPort      int
	HTTPPort     int // WebSocket transport, 0 disables
	MetricsPort  int // /metrics and /health, 0 disables
	DatabasePath string
	FilesPath    string
	LogPath      string

	MaxFrameBytes    uint32
	MaxFileBytes     int
	MessageRateLimit int // per minute per connection, 0 disables
	MaxConnections   int // concurrent TCP connections, 0 unlimited
	PasswordCost     int
}

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		BindAddress:      "0.0.0.0",
		TCPPort:          8888,
		HTTPPort:         0,
		MetricsPort:      9090,
		DatabasePath:     "pairchat.db",
		FilesPath:        "files",
		LogPath:          "server.log",
		MaxFrameBytes:    protocol.DefaultMaxFrameSize,
		MaxFileBytes:     10 * 1024 * 1024,
		MessageRateLimit: 120,
		MaxConnections:   1000,
		PasswordCost:     bcrypt.DefaultCost,
	}
}

// Validate reports configuration values the server cannot run with
func (c ServerConfig) Validate() error {
	ports := []struct {
		name  string
		value int
	}{
		{"tcp_port", c.TCPPort},
		{"http_port", c.HTTPPort},
		{"metrics_port", c.MetricsPort},
	}
	for _, p := range ports {
		if p.value < 0 || p.value > 65535 {
			return fmt.Errorf("%s %d out of range", p.name, p.value)
		}
	}
	if c.MaxFrameBytes == 0 {
		return errors.New("max_frame_bytes must be positive")
	}
	if c.MaxFileBytes <= 0 {
		return errors.New("max_file_bytes must be positive")
	}
	if need := fileFrameSize(c.MaxFileBytes); uint64(c.MaxFrameBytes) < need {
		return fmt.Errorf("max_frame_bytes %d cannot carry a %d byte file, need at least %d", c.MaxFrameBytes, c.MaxFileBytes, need)
	}
	if c.MessageRateLimit < 0 {
		return errors.New("message_rate_limit must not be negative")
	}
	if c.MaxConnections < 0 {
		return errors.New("max_connections must not be negative")
	}
	if c.PasswordCost < bcrypt.MinCost || c.PasswordCost > bcrypt.MaxCost {
		return fmt.Errorf("password_cost must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}
	return nil
}

// NewServer opens the stores and builds a server that is ready to Start
func NewServer(config ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	db, err := database.Open(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.SetPasswordCost(config.PasswordCost); err != nil {
		db.Close()
		return nil, err
	}

	files, err := content.New(config.FilesPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open content store: %w", err)
	}

	return newServer(config, db, files), nil
}

// newServer wires a server around already opened stores
func newServer(config ServerConfig, db DatabaseStore, files ContentStore) *Server {
	metrics := NewMetrics()
	sessions := NewSessionManager(config.MaxFrameBytes, config.MessageRateLimit)
	sessions.SetMetrics(metrics)

	return &Server{
		db:        db,
		files:     files,
		sessions:  sessions,
		metrics:   metrics,
		config:    config,
		startTime: time.Now(),
		shutdown:  make(chan struct{}),
	}
}

// listenConfig sets SO_REUSEADDR so the server can restart immediately
func listenConfig() net.ListenConfig {
	return net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var opErr error
			err := c.Control(func(fd uintptr) {
				opErr = setSocketOptions(fd)
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}
}

// Start starts the TCP listener and the optional HTTP servers
func (s *Server) Start() error {
	lc := listenConfig()

	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(s.config.TCPPort))
	listener, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	logListenBacklog(listener.Addr().String())
	if s.config.MaxConnections > 0 {
		// Connections past the cap wait in the kernel backlog until a slot frees
		listener = netutil.LimitListener(listener, s.config.MaxConnections)
		log.WithField("max_connections", s.config.MaxConnections).Info("Limiting concurrent TCP connections")
	}
	s.listener = listener

	if s.config.HTTPPort != 0 {
		if err := s.serveHTTP(lc, "websocket", s.config.HTTPPort, s.WebSocketMux()); err != nil {
			s.closeListeners()
			return err
		}
	}
	if s.config.MetricsPort != 0 {
		if err := s.serveHTTP(lc, "metrics", s.config.MetricsPort, s.MetricsMux()); err != nil {
			s.closeListeners()
			return err
		}
	}

	s.wg.Add(1)
	go s.monitorListenOverflows()

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

// serveHTTP starts one HTTP server in the background
func (s *Server) serveHTTP(lc net.ListenConfig, name string, port int, handler http.Handler) error {
	addr := net.JoinHostPort(s.config.BindAddress, strconv.Itoa(port))
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen for %s on %s: %w", name, addr, err)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpServers = append(s.httpServers, srv)

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).WithField("server", name).Error("HTTP server failed")
		}
	}()

	log.WithFields(log.Fields{"server": name, "addr": ln.Addr().String()}).Info("HTTP server listening")
	return nil
}

// Addr returns the TCP listener's address, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Sessions exposes the session registry
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.trackMu.Lock()
	if s.stopping {
		s.trackMu.Unlock()
		return nil
	}
	s.stopping = true
	s.trackMu.Unlock()

	close(s.shutdown)
	s.closeListeners()

	// Closing every connection unblocks all handler reads
	s.sessions.CloseAll()

	s.wg.Wait()

	log.Info("Server stopped")
	return s.db.Close()
}

func (s *Server) closeListeners() {
	if s.listener != nil {
		s.listener.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range s.httpServers {
		if err := srv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown")
		}
	}
	s.httpServers = nil
}

// track registers a connection handler with the shutdown wait group.
// It returns false once Stop has begun.
func (s *Server) track() bool {
	s.trackMu.Lock()
	defer s.trackMu.Unlock()

	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

// acceptLoop accepts incoming connections and never waits on their handlers
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.WithError(err).Warn("Accept error")
			time.Sleep(10 * time.Millisecond)
			continue
		}

		if !s.track() {
			conn.Close()
			return
		}

		go func() {
			defer s.wg.Done()
			s.handleConnection(conn, "tcp")
		}()
	}
}

// handleConnection runs the receive loop for one connection until it closes
func (s *Server) handleConnection(conn net.Conn, connType string) {
	// Disable Nagle's algorithm for immediate sends
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(true)
	}

	sess := s.sessions.CreateSession(conn, connType)
	defer s.sessions.RemoveSession(sess.ID)

	logger := sessionLogger(sess)
	logger.WithField("transport", connType).Info("New connection")

	decoder := protocol.NewDecoder(s.config.MaxFrameBytes)
	buf := make([]byte, readBufferSize)

	for {
		n, err := conn.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n])
			if !s.drain(sess, decoder, logger) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				logger.Info("Disconnected")
			} else {
				logger.WithError(err).Info("Read error, closing connection")
			}
			return
		}
	}
}

// drain handles every complete frame buffered in decoder, in arrival order.
// It returns false when the session's connection can no longer be written.
func (s *Server) drain(sess *Session, decoder *protocol.Decoder, logger *log.Entry) bool {
	for {
		payload, err := decoder.Next()
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			logger.WithField("max_bytes", s.config.MaxFrameBytes).Warn("Dropping oversized frame")
			s.metrics.RecordFrameDropped(dropOversized)
			continue
		}
		if payload == nil {
			return true
		}

		if err := s.handlePayload(sess, payload); err != nil {
			logger.WithError(err).Warn("Failed to answer request, closing connection")
			return false
		}
	}
}
