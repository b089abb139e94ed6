package client

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/pairchat/pkg/protocol"
	log "github.com/sirupsen/logrus"
)

// Request is the union of every field a client may send
type Request struct {
	Action          string `json:"action"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`
	Receiver        string `json:"receiver,omitempty"`
	Content         string `json:"content,omitempty"`
	FileName        string `json:"file_name,omitempty"`
	FileData        string `json:"file_data,omitempty"`
	ContactAction   string `json:"contact_action,omitempty"`
	ContactUsername string `json:"contact_username,omitempty"`
}

// Response is the union of every frame the server sends: status replies,
// contact lists, history, file confirmations and delivered messages
type Response struct {
	Status        string                  `json:"status"`
	Action        string                  `json:"action"`
	Message       string                  `json:"message"`
	Username      string                  `json:"username"`
	Sender        string                  `json:"sender"`
	Receiver      string                  `json:"receiver"`
	Content       string                  `json:"content"`
	IsFile        bool                    `json:"is_file"`
	FileName      string                  `json:"file_name"`
	FileReference string                  `json:"file_reference"`
	Timestamp     string                  `json:"timestamp"`
	Contacts      []string                `json:"contacts"`
	Messages      []protocol.HistoryEntry `json:"messages"`
}

// OK reports whether the response carries a success status
func (r *Response) OK() bool {
	return r.Status == protocol.StatusSuccess
}

// IsDelivery reports whether the frame is a message routed from another user
// rather than a reply to one of our requests
func (r *Response) IsDelivery() bool {
	return r.Action == protocol.ActionMessage && r.Status == "" && r.Sender != ""
}

func Register(username, password string) *Request {
	return &Request{Action: protocol.ActionRegister, Username: username, Password: password}
}

func Login(username, password string) *Request {
	return &Request{Action: protocol.ActionLogin, Username: username, Password: password}
}

func SendMessage(receiver, content string) *Request {
	return &Request{Action: protocol.ActionMessage, Receiver: receiver, Content: content}
}

// SendFile base64-encodes data into a file request
func SendFile(receiver, fileName string, data []byte) *Request {
	return &Request{
		Action:   protocol.ActionFile,
		Receiver: receiver,
		FileName: fileName,
		FileData: base64.StdEncoding.EncodeToString(data),
	}
}

func AddContact(username string) *Request {
	return &Request{Action: protocol.ActionContacts, ContactAction: protocol.ContactActionAdd, ContactUsername: username}
}

func ListContacts() *Request {
	return &Request{Action: protocol.ActionContacts, ContactAction: protocol.ContactActionList}
}

func History(username string) *Request {
	return &Request{Action: protocol.ActionContacts, ContactAction: protocol.ContactActionHistory, ContactUsername: username}
}

// Connection represents a client connection to the server
type Connection struct {
	addr      string
	dial      func() (net.Conn, error)
	conn      net.Conn
	mu        sync.RWMutex
	connected bool
	maxFrame  uint32

	// Channels for communication
	incoming chan *Response
	outgoing chan []byte
	errors   chan error

	// Traffic counters (bytes on the wire)
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	logger *log.Entry

	// Shutdown
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewConnection creates a new client connection.
// addr is host:port, tcp://host:port, ws://host:port or wss://host:port.
func NewConnection(addr string) (*Connection, error) {
	dialConfig, err := parseServerAddress(addr)
	if err != nil {
		return nil, err
	}

	return &Connection{
		addr:     dialConfig.display,
		dial:     dialConfig.dial,
		maxFrame: protocol.DefaultMaxFrameSize,
		incoming: make(chan *Response, 100),
		outgoing: make(chan []byte, 100),
		errors:   make(chan error, 10),
		shutdown: make(chan struct{}),
	}, nil
}

// SetLogger sets a logger for debugging connection events
func (c *Connection) SetLogger(logger *log.Entry) {
	c.logger = logger
}

func (c *Connection) debugf(format string, args ...interface{}) {
	if c.logger != nil {
		c.logger.Debugf(format, args...)
	}
}

// Connect establishes connection to the server. A Connection dials once;
// after it drops, create a new one.
func (c *Connection) Connect() error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.mu.Unlock()

	c.debugf("Connecting to %s...", c.addr)

	conn, err := c.dial()
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.debugf("Connected to %s", c.addr)

	// Start reader and writer goroutines
	c.wg.Add(2)
	go c.readLoop(conn)
	go c.writeLoop(conn)

	return nil
}

// Close shuts down the connection permanently
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.shutdown)
		c.disconnect()
		c.wg.Wait()
	})
}

func (c *Connection) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return
	}
	c.connected = false
	c.conn.Close()
}

// Send queues a request for the writer
func (c *Connection) Send(req *Request) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if uint64(len(payload)) > uint64(c.maxFrame) {
		return protocol.ErrFrameTooLarge
	}
	if !c.IsConnected() {
		return net.ErrClosed
	}

	select {
	case c.outgoing <- protocol.AppendFrame(nil, payload):
		return nil
	case <-c.shutdown:
		return fmt.Errorf("connection closed")
	default:
		return fmt.Errorf("outgoing queue full")
	}
}

// Incoming returns the channel of frames from the server. It is closed when
// the connection drops.
func (c *Connection) Incoming() <-chan *Response {
	return c.incoming
}

// Errors returns the channel for connection errors
func (c *Connection) Errors() <-chan error {
	return c.errors
}

// IsConnected returns whether the connection is active
func (c *Connection) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// GetAddress returns the server address
func (c *Connection) GetAddress() string {
	return c.addr
}

// GetBytesSent returns the total bytes sent
func (c *Connection) GetBytesSent() uint64 {
	return c.bytesSent.Load()
}

// GetBytesReceived returns the total bytes received
func (c *Connection) GetBytesReceived() uint64 {
	return c.bytesReceived.Load()
}

func (c *Connection) reportError(err error) {
	select {
	case c.errors <- err:
	default:
	}
}

// readLoop decodes frames until the connection fails
func (c *Connection) readLoop(conn net.Conn) {
	defer c.wg.Done()
	defer close(c.incoming)
	defer c.disconnect()

	reader := &countingReader{r: conn, counter: &c.bytesReceived}
	for {
		payload, err := protocol.DecodeFrame(reader, c.maxFrame)
		if err != nil {
			select {
			case <-c.shutdown:
				return
			default:
			}
			if errors.Is(err, io.EOF) {
				c.debugf("Connection closed by server (EOF)")
			} else {
				c.reportError(fmt.Errorf("read error: %w", err))
			}
			return
		}

		var resp Response
		if err := json.Unmarshal(payload, &resp); err != nil {
			c.reportError(fmt.Errorf("decode response: %w", err))
			continue
		}
		c.debugf("← RECV: action=%s status=%s len=%d", resp.Action, resp.Status, len(payload))

		select {
		case c.incoming <- &resp:
		case <-c.shutdown:
			return
		}
	}
}

// writeLoop sends queued frames to the connection
func (c *Connection) writeLoop(conn net.Conn) {
	defer c.wg.Done()

	writer := &countingWriter{w: conn, counter: &c.bytesSent}
	for {
		select {
		case frame := <-c.outgoing:
			if _, err := writer.Write(frame); err != nil {
				c.reportError(fmt.Errorf("write error: %w", err))
				c.disconnect()
				return
			}
			c.debugf("→ SEND: len=%d", len(frame)-protocol.HeaderSize)

		case <-c.shutdown:
			return
		}
	}
}

// countingReader wraps an io.Reader and counts bytes read using atomic counter
type countingReader struct {
	r       io.Reader
	counter *atomic.Uint64
}

func (cr *countingReader) Read(p []byte) (n int, err error) {
	n, err = cr.r.Read(p)
	if n > 0 {
		cr.counter.Add(uint64(n))
	}
	return n, err
}

// countingWriter wraps an io.Writer and counts bytes written using atomic counter
type countingWriter struct {
	w       io.Writer
	counter *atomic.Uint64
}

func (cw *countingWriter) Write(p []byte) (n int, err error) {
	n, err = cw.w.Write(p)
	if n > 0 {
		cw.counter.Add(uint64(n))
	}
	return n, err
}

type dialConfig struct {
	display string
	dial    func() (net.Conn, error)
}

const (
	defaultTCPPort = "8888"
	defaultWSPort  = "8080"
	dialTimeout    = 10 * time.Second
)

func parseServerAddress(raw string) (*dialConfig, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("server address is empty")
	}

	scheme := "tcp"
	hostPort := trimmed
	if strings.Contains(trimmed, "://") {
		u, err := url.Parse(trimmed)
		if err != nil {
			return nil, fmt.Errorf("invalid server address %q: %w", raw, err)
		}
		if u.Scheme != "" {
			scheme = strings.ToLower(u.Scheme)
		}
		hostPort = u.Host
	}

	switch scheme {
	case "tcp":
		host, port, err := splitHostPortWithDefault(hostPort, defaultTCPPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		return &dialConfig{
			display: address,
			dial: func() (net.Conn, error) {
				return net.DialTimeout("tcp", address, dialTimeout)
			},
		}, nil

	case "ws", "wss":
		host, port, err := splitHostPortWithDefault(hostPort, defaultWSPort)
		if err != nil {
			return nil, err
		}

		address := net.JoinHostPort(host, port)
		useTLS := scheme == "wss"
		return &dialConfig{
			display: fmt.Sprintf("%s://%s", scheme, address),
			dial: func() (net.Conn, error) {
				return DialWebSocket(address, useTLS)
			},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported server scheme %q", scheme)
	}
}

func splitHostPortWithDefault(hostPort, defaultPort string) (string, string, error) {
	hostPort = strings.TrimSpace(hostPort)
	if hostPort == "" {
		return "", "", errors.New("missing host in server address")
	}

	host, port, err := net.SplitHostPort(hostPort)
	if err == nil {
		return host, port, nil
	}

	var addrErr *net.AddrError
	if errors.As(err, &addrErr) && strings.Contains(strings.ToLower(addrErr.Err), "missing port") {
		host = strings.TrimPrefix(strings.TrimSuffix(hostPort, "]"), "[")
		return host, defaultPort, nil
	}

	return "", "", err
}
