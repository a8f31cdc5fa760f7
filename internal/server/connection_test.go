package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"
)

// mockConn implements net.Conn for testing.
type mockConn struct {
	mu            sync.Mutex
	readData      []byte
	readPos       int
	writeData     []byte
	localAddr     net.Addr
	remoteAddr    net.Addr
	closed        bool
	deadline      time.Time
	readDeadline  time.Time
	writeDeadline time.Time
}

func newMockConn() *mockConn {
	return &mockConn{
		localAddr:  &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 11025},
		remoteAddr: &net.TCPAddr{IP: net.ParseIP("192.168.1.100"), Port: 54321},
	}
}

func (m *mockConn) Read(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readPos >= len(m.readData) {
		return 0, io.EOF
	}
	n = copy(b, m.readData[m.readPos:])
	m.readPos += n
	return n, nil
}

func (m *mockConn) Write(b []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeData = append(m.writeData, b...)
	return len(b), nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) LocalAddr() net.Addr {
	return m.localAddr
}

func (m *mockConn) RemoteAddr() net.Addr {
	return m.remoteAddr
}

func (m *mockConn) SetDeadline(t time.Time) error {
	m.deadline = t
	return nil
}

func (m *mockConn) SetReadDeadline(t time.Time) error {
	m.readDeadline = t
	return nil
}

func (m *mockConn) SetWriteDeadline(t time.Time) error {
	m.writeDeadline = t
	return nil
}

func (m *mockConn) written() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.writeData)
}

func TestNewConnection(t *testing.T) {
	mc := newMockConn()

	cfg := ConnectionConfig{
		IdleTimeout:    5 * time.Minute,
		LogTransaction: false,
		Logger:         slog.Default(),
	}

	conn := NewConnection(mc, cfg)

	if conn == nil {
		t.Fatal("expected connection, got nil")
	}
	if conn.RemoteAddr().String() != mc.remoteAddr.String() {
		t.Errorf("expected remote addr %s, got %s", mc.remoteAddr, conn.RemoteAddr())
	}
	if conn.LocalAddr().String() != mc.localAddr.String() {
		t.Errorf("expected local addr %s, got %s", mc.localAddr, conn.LocalAddr())
	}
	if conn.Logger() == nil {
		t.Error("expected logger, got nil")
	}
}

func TestConnectionReadLine(t *testing.T) {
	mc := newMockConn()
	mc.readData = []byte("begin\r\nto a@earth.planet\nquit")

	conn := NewConnection(mc, ConnectionConfig{})

	want := []string{"begin", "to a@earth.planet", "quit"}
	for _, w := range want {
		line, err := conn.ReadLine()
		if err != nil {
			t.Fatalf("unexpected read error: %v", err)
		}
		if line != w {
			t.Errorf("ReadLine() = %q, want %q", line, w)
		}
	}

	if _, err := conn.ReadLine(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF after last line, got %v", err)
	}
}

func TestConnectionWriteLine(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{})

	if err := conn.WriteLine("ok DMTP2.0"); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if err := conn.WriteLine("ok 2"); err != nil {
		t.Fatalf("unexpected write error: %v", err)
	}
	if got := mc.written(); got != "ok DMTP2.0\nok 2\n" {
		t.Errorf("written = %q", got)
	}
}

func TestConnectionClose(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{})

	if conn.IsClosed() {
		t.Error("connection should not be closed initially")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	if !conn.IsClosed() {
		t.Error("connection should be closed")
	}
	if !mc.closed {
		t.Error("underlying connection should be closed")
	}

	// Double close should be safe
	if err := conn.Close(); err != nil {
		t.Fatalf("double close should not error: %v", err)
	}
}

func TestConnectionResetIdleTimeout(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{
		IdleTimeout: 5 * time.Minute,
	})

	if err := conn.ResetIdleTimeout(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if mc.deadline.IsZero() {
		t.Error("expected deadline to be set")
	}
}

func TestConnectionNoIdleTimeoutLeavesDeadline(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{})

	if err := conn.ResetIdleTimeout(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mc.deadline.IsZero() {
		t.Error("deadline should stay unset without an idle timeout")
	}
}

func TestConnectionIdleMonitor(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{
		IdleTimeout: 50 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go conn.IdleMonitor(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for !conn.IsClosed() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	if !conn.IsClosed() {
		t.Error("connection should be closed after idle timeout")
	}
}

func TestConnectionIdleMonitorCancellation(t *testing.T) {
	mc := newMockConn()
	conn := NewConnection(mc, ConnectionConfig{
		IdleTimeout: 5 * time.Minute,
	})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		conn.IdleMonitor(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("idle monitor should exit on context cancellation")
	}

	if conn.IsClosed() {
		t.Error("connection should not be closed on context cancellation")
	}
}

func TestConnectionTransactionLogging(t *testing.T) {
	mc := newMockConn()
	mc.readData = []byte("list\n")

	conn := NewConnection(mc, ConnectionConfig{
		LogTransaction: true,
		Logger:         slog.Default(),
	})

	line, err := conn.ReadLine()
	if err != nil || line != "list" {
		t.Errorf("ReadLine() = %q, %v", line, err)
	}
}

func TestDial(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() { _ = ln.Close() }()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		_, _ = c.Write([]byte("ok DMTP2.0\n"))
		_ = c.Close()
	}()

	conn, err := Dial(context.Background(), nil, ln.Addr().String(), ConnectionConfig{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer func() { _ = conn.Close() }()

	line, err := conn.ReadLine()
	if err != nil || line != "ok DMTP2.0" {
		t.Errorf("ReadLine() = %q, %v", line, err)
	}
}
