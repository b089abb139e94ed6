package client

import (
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aeolun/pairchat/pkg/server"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

func TestMain(m *testing.M) {
	log.SetOutput(io.Discard)
	os.Exit(m.Run())
}

func TestParseServerAddress(t *testing.T) {
	tests := []struct {
		input   string
		display string
	}{
		{"example.com:1234", "example.com:1234"},
		{"example.com", "example.com:8888"},
		{"tcp://example.com:9000", "example.com:9000"},
		{"[::1]", "[::1]:8888"},
		{"ws://example.com", "ws://example.com:8080"},
		{"wss://example.com:443", "wss://example.com:443"},
	}
	for _, tt := range tests {
		cfg, err := parseServerAddress(tt.input)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.input, err)
		}
		if cfg.display != tt.display {
			t.Fatalf("%s: expected display %s, got %s", tt.input, tt.display, cfg.display)
		}
		if cfg.dial == nil {
			t.Fatalf("%s: expected dial function to be set", tt.input)
		}
	}
}

func TestParseServerAddressInvalid(t *testing.T) {
	if _, err := parseServerAddress("udp://example.com"); err == nil {
		t.Fatal("expected error for unsupported scheme")
	} else if !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := parseServerAddress("   "); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func startServer(t *testing.T) *server.Server {
	t.Helper()
	dir := t.TempDir()

	cfg := server.DefaultConfig()
	cfg.BindAddress = "127.0.0.1"
	cfg.TCPPort = 0
	cfg.MetricsPort = 0
	cfg.DatabasePath = filepath.Join(dir, "test.db")
	cfg.FilesPath = filepath.Join(dir, "files")
	cfg.MessageRateLimit = 0
	cfg.PasswordCost = bcrypt.MinCost

	srv, err := server.NewServer(cfg)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func dial(t *testing.T, addr string) *Connection {
	t.Helper()

	conn, err := NewConnection(addr)
	if err != nil {
		t.Fatalf("NewConnection(%s): %v", addr, err)
	}
	if err := conn.Connect(); err != nil {
		t.Fatalf("Connect(%s): %v", addr, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func send(t *testing.T, conn *Connection, req *Request) {
	t.Helper()

	if err := conn.Send(req); err != nil {
		t.Fatalf("Send(%s): %v", req.Action, err)
	}
}

func next(t *testing.T, conn *Connection) *Response {
	t.Helper()

	select {
	case resp, ok := <-conn.Incoming():
		if !ok {
			t.Fatal("connection closed")
		}
		return resp
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for response")
	}
	return nil
}

func authenticate(t *testing.T, conn *Connection, username string) {
	t.Helper()

	send(t, conn, Register(username, "pw-"+username))
	if resp := next(t, conn); !resp.OK() {
		t.Fatalf("register %s: %s", username, resp.Message)
	}
	send(t, conn, Login(username, "pw-"+username))
	resp := next(t, conn)
	if !resp.OK() || resp.Username != username {
		t.Fatalf("login %s: %+v", username, resp)
	}
}

func TestConnectionConversationOverTCP(t *testing.T) {
	srv := startServer(t)
	addr := srv.Addr().String()

	alice := dial(t, addr)
	bob := dial(t, addr)
	authenticate(t, alice, "alice")
	authenticate(t, bob, "bob")

	send(t, alice, AddContact("bob"))
	contacts := next(t, alice)
	if !contacts.OK() || len(contacts.Contacts) != 1 || contacts.Contacts[0] != "bob" {
		t.Fatalf("unexpected contacts response: %+v", contacts)
	}

	send(t, alice, SendMessage("bob", "hello"))
	delivered := next(t, bob)
	if !delivered.IsDelivery() || delivered.Sender != "alice" || delivered.Content != "hello" {
		t.Fatalf("unexpected delivery: %+v", delivered)
	}

	send(t, alice, SendFile("bob", "notes.txt", []byte("file body")))
	fileMsg := next(t, bob)
	if !fileMsg.IsDelivery() || !fileMsg.IsFile || fileMsg.Content != "[File: notes.txt]" {
		t.Fatalf("unexpected file delivery: %+v", fileMsg)
	}
	ack := next(t, alice)
	if !ack.OK() || ack.FileName != "notes.txt" || ack.FileReference != fileMsg.FileReference {
		t.Fatalf("unexpected file confirmation: %+v", ack)
	}

	send(t, bob, History("alice"))
	history := next(t, bob)
	if !history.OK() || len(history.Messages) != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if history.Messages[1].FileReference == nil || *history.Messages[1].FileReference != ack.FileReference {
		t.Fatalf("history lost the file reference: %+v", history.Messages[1])
	}

	if alice.GetBytesSent() == 0 || alice.GetBytesReceived() == 0 {
		t.Fatal("expected traffic counters to advance")
	}
}

func TestConnectionOverWebSocket(t *testing.T) {
	srv := startServer(t)
	ts := httptest.NewServer(srv.WebSocketMux())
	t.Cleanup(ts.Close)

	addr := "ws://" + strings.TrimPrefix(ts.URL, "http://")
	conn := dial(t, addr)
	if !strings.HasPrefix(conn.GetAddress(), "ws://") {
		t.Fatalf("unexpected display address %s", conn.GetAddress())
	}

	authenticate(t, conn, "alice")

	send(t, conn, ListContacts())
	resp := next(t, conn)
	if !resp.OK() || resp.Contacts == nil || len(resp.Contacts) != 0 {
		t.Fatalf("unexpected contacts response: %+v", resp)
	}
}

func TestConnectionIncomingClosesWhenServerStops(t *testing.T) {
	srv := startServer(t)
	conn := dial(t, srv.Addr().String())
	authenticate(t, conn, "alice")

	srv.Stop()

	select {
	case _, ok := <-conn.Incoming():
		if ok {
			t.Fatal("expected no frames after shutdown")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("incoming channel was not closed")
	}

	if conn.IsConnected() {
		t.Fatal("connection should report disconnected")
	}
	if err := conn.Send(ListContacts()); err == nil {
		t.Fatal("expected Send to fail after disconnect")
	}
	if err := conn.Connect(); err == nil {
		t.Fatal("expected a used connection to refuse reconnecting")
	}
}
