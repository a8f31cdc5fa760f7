package dmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/infodancer/mailfabric/internal/mail"
	"github.com/infodancer/mailfabric/internal/secure"
	"github.com/infodancer/mailfabric/internal/server"
)

// ErrWrongProtocol is returned when a peer does not greet with Greeting.
var ErrWrongProtocol = errors.New("wrong mailbox protocol")

// ReplyError is an error line returned by the server.
type ReplyError struct {
	Reply string
}

func (e *ReplyError) Error() string {
	return strings.TrimPrefix(e.Reply, "error ")
}

// Client is the accessing side of a DMAP session.
type Client struct {
	conn *server.Connection
	ch   *secure.Channel
}

// Dial connects to a mailbox node and checks the greeting.
func Dial(ctx context.Context, d server.ContextDialer, addr string, logger *slog.Logger) (*Client, error) {
	conn, err := server.Dial(ctx, d, addr, server.ConnectionConfig{Logger: logger})
	if err != nil {
		return nil, err
	}
	c := &Client{conn: conn, ch: secure.NewChannel(conn)}

	greeting, err := c.ch.ReadLine()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("reading greeting: %w", err)
	}
	if greeting != Greeting {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %q", ErrWrongProtocol, greeting)
	}
	return c, nil
}

// StartSecure runs the handshake and returns the server's component id.
// The connection is closed when the handshake fails.
func (c *Client) StartSecure(keys secure.PublicKeyStore) (string, error) {
	id, err := secure.Initiate(c.ch, keys)
	if err != nil {
		_ = c.conn.Close()
		return "", err
	}
	return id, nil
}

// Secure reports whether the handshake completed.
func (c *Client) Secure() bool {
	return c.ch.Secure()
}

// Login authenticates as user.
func (c *Client) Login(user, password string) error {
	_, err := c.call("login " + user + " " + password)
	return err
}

// List returns the "<id> <from> <subject>" lines of the mailbox.
func (c *Client) List() ([]string, error) {
	return c.call("list")
}

// Show returns message id.
func (c *Client) Show(id uint64) (mail.Mail, error) {
	lines, err := c.call("show " + strconv.FormatUint(id, 10))
	if err != nil {
		return mail.Mail{}, err
	}
	return mail.ParseDisplay(lines), nil
}

// Delete removes message id.
func (c *Client) Delete(id uint64) error {
	_, err := c.call("delete " + strconv.FormatUint(id, 10))
	return err
}

// Logout ends the authenticated session.
func (c *Client) Logout() error {
	_, err := c.call("logout")
	return err
}

// Quit ends the session and closes the connection.
func (c *Client) Quit() error {
	defer c.conn.Close()
	if err := c.ch.WriteLine("quit"); err != nil {
		return err
	}
	reply, err := c.ch.ReadLine()
	if err != nil {
		return err
	}
	if reply != replyBye {
		return &ReplyError{Reply: reply}
	}
	return nil
}

// Close closes the connection without quitting.
func (c *Client) Close() error {
	return c.conn.Close()
}

// call sends line and collects reply lines up to the terminating ok or
// error line.
func (c *Client) call(line string) ([]string, error) {
	if err := c.ch.WriteLine(line); err != nil {
		return nil, err
	}
	var lines []string
	for {
		reply, err := c.ch.ReadLine()
		if err != nil {
			return nil, err
		}
		switch {
		case reply == replyOK:
			return lines, nil
		case strings.HasPrefix(reply, "error"):
			return nil, &ReplyError{Reply: reply}
		}
		lines = append(lines, reply)
	}
}
