package server

import (
	"bytes"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/aeolun/pairchat/pkg/database"
)

var errInjected = errors.New("injected failure")

// failingDB wraps a real store and fails selected operations
type failingDB struct {
	DatabaseStore

	mu          sync.Mutex
	failInsert  bool
	failHistory bool
	failCount   bool
}

func (f *failingDB) InsertMessage(sender, receiver string, content, fileReference *string) (*database.Message, error) {
	f.mu.Lock()
	fail := f.failInsert
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.DatabaseStore.InsertMessage(sender, receiver, content, fileReference)
}

func (f *failingDB) FetchHistory(a, b string) ([]*database.Message, error) {
	f.mu.Lock()
	fail := f.failHistory
	f.mu.Unlock()
	if fail {
		return nil, errInjected
	}
	return f.DatabaseStore.FetchHistory(a, b)
}

func (f *failingDB) CountIdentities() (int64, error) {
	f.mu.Lock()
	fail := f.failCount
	f.mu.Unlock()
	if fail {
		return 0, errInjected
	}
	return f.DatabaseStore.CountIdentities()
}

// mockAddr implements net.Addr for testing
type mockAddr struct{}

func (m *mockAddr) Network() string { return "tcp" }
func (m *mockAddr) String() string  { return "127.0.0.1:12345" }

// mockConn implements net.Conn for testing, capturing everything written.
// Reads report EOF; handler tests feed payloads directly.
type mockConn struct {
	mu       sync.Mutex
	writeBuf bytes.Buffer
	writeErr error
	closed   bool
}

func newMockConn() *mockConn {
	return &mockConn{}
}

func (m *mockConn) Read(b []byte) (int, error) { return 0, net.ErrClosed }

func (m *mockConn) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	return m.writeBuf.Write(b)
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// take returns and clears everything written so far
func (m *mockConn) take() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]byte(nil), m.writeBuf.Bytes()...)
	m.writeBuf.Reset()
	return out
}

func (m *mockConn) LocalAddr() net.Addr                { return &mockAddr{} }
func (m *mockConn) RemoteAddr() net.Addr               { return &mockAddr{} }
func (m *mockConn) SetDeadline(t time.Time) error      { return nil }
func (m *mockConn) SetReadDeadline(t time.Time) error  { return nil }
func (m *mockConn) SetWriteDeadline(t time.Time) error { return nil }
