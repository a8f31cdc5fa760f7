package dmtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/infodancer/mailfabric/internal/mail"
	"github.com/infodancer/mailfabric/internal/server"
)

// ErrWrongProtocol is returned when a peer does not greet with Greeting.
var ErrWrongProtocol = errors.New("wrong domain protocol")

// RejectedError reports a command the peer did not answer with ok.
type RejectedError struct {
	Command string
	// Line is the full line that was rejected.
	Line  string
	Reply string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("peer rejected %q: %s", e.Command, e.Reply)
}

// Client is the sending side of a DMTP session.
type Client struct {
	conn *server.Connection
}

// Dial connects to addr through d (nil for a direct dialer) and checks
// the greeting.
func Dial(ctx context.Context, d server.ContextDialer, addr string, logger *slog.Logger) (*Client, error) {
	conn, err := server.Dial(ctx, d, addr, server.ConnectionConfig{Logger: logger})
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	greeting, err := conn.ReadLine()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if greeting != Greeting {
		_ = conn.WriteLine("quit")
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %q", ErrWrongProtocol, greeting)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps a connection whose greeting was already read.
func NewClient(conn *server.Connection) *Client {
	return &Client{conn: conn}
}

// Command sends one line and returns the first reply line.
func (c *Client) Command(line string) (string, error) {
	if err := c.conn.WriteLine(line); err != nil {
		return "", err
	}
	return c.conn.ReadLine()
}

// Relay replays m on the peer and ends the session. Any reply that does
// not start with ok aborts the relay with a *RejectedError. Canceling ctx
// closes the connection.
func (c *Client) Relay(ctx context.Context, m mail.Mail) error {
	defer c.Close()
	stop := context.AfterFunc(ctx, func() { _ = c.conn.Close() })
	defer stop()

	for _, line := range m.Commands() {
		resp, err := c.Command(line)
		if err != nil {
			return fmt.Errorf("relaying %q: %w", verb(line), err)
		}
		if !strings.HasPrefix(resp, "ok") {
			_ = c.conn.WriteLine("quit")
			return &RejectedError{Command: verb(line), Line: line, Reply: resp}
		}
	}
	return nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func verb(line string) string {
	v, _, _ := strings.Cut(line, " ")
	return v
}
