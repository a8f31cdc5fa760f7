package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/infodancer/mailfabric/internal/config"
	"github.com/infodancer/mailfabric/internal/dmap"
	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/mail"
	"github.com/infodancer/mailfabric/internal/secure"
)

const clientUsage = "client commands: inbox | show <id> | delete <id> | verify <id> | msg <to> <subject> <data>"

const clientDialTimeout = 10 * time.Second

var errUsage = errors.New(clientUsage)

// mailClient runs one client command against the configured nodes.
type mailClient struct {
	cfg    config.ClientConfig
	out    io.Writer
	logger *slog.Logger
}

// runClient parses flags, loads the client configuration and executes the
// command named by the first positional argument.
func runClient(ctx context.Context, args []string, out io.Writer) error {
	flags, err := config.ParseFlags(config.RoleClient, args)
	if err != nil {
		return err
	}
	cfg, err := config.LoadWithFlags(config.RoleClient, flags)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(config.RoleClient); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	c := &mailClient{
		cfg:    cfg.Client,
		out:    out,
		logger: logging.NewLoggerWithFormat(cfg.LogLevel, cfg.LogFormat, io.Discard),
	}
	if cfg.LogLevel == "debug" {
		c.logger = logging.NewLoggerWithFormat(cfg.LogLevel, cfg.LogFormat, out)
	}
	return c.run(ctx, flags.Args)
}

func (c *mailClient) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, rest := args[0], args[1:]

	switch cmd {
	case "inbox":
		return c.inbox(ctx)
	case "show", "delete", "verify":
		if len(rest) != 1 {
			return errUsage
		}
		id, err := strconv.ParseUint(rest[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid message id %q", rest[0])
		}
		switch cmd {
		case "show":
			return c.show(ctx, id)
		case "delete":
			return c.delete(ctx, id)
		default:
			return c.verify(ctx, id)
		}
	case "msg":
		if len(rest) < 3 {
			return errUsage
		}
		return c.msg(ctx, rest[0], rest[1], strings.Join(rest[2:], " "))
	default:
		return errUsage
	}
}

// open starts a secure, authenticated session with the mailbox node.
func (c *mailClient) open(ctx context.Context) (*dmap.Client, error) {
	dctx, cancel := context.WithTimeout(ctx, clientDialTimeout)
	defer cancel()

	sess, err := dmap.Dial(dctx, nil, c.cfg.MailboxAddr, c.logger)
	if err != nil {
		return nil, fmt.Errorf("connecting to mailbox %s: %w", c.cfg.MailboxAddr, err)
	}
	peer, err := sess.StartSecure(secure.NewDirKeyStore(c.cfg.KeysDir))
	if err != nil {
		return nil, fmt.Errorf("secure connection failed: %w", err)
	}
	if err := sess.Login(c.cfg.User, c.cfg.Password); err != nil {
		_ = sess.Close()
		return nil, fmt.Errorf("login failed: %w", err)
	}
	c.logger.Debug("securely connected", slog.String("peer", peer))
	return sess, nil
}

func (c *mailClient) inbox(ctx context.Context) error {
	sess, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Quit()

	lines, err := sess.List()
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		_, err := fmt.Fprintln(c.out, "no mails")
		return err
	}
	for _, line := range lines {
		idText, _, _ := strings.Cut(line, " ")
		id, err := strconv.ParseUint(idText, 10, 64)
		if err != nil {
			return fmt.Errorf("malformed list line %q", line)
		}
		m, err := sess.Show(id)
		if err != nil {
			return err
		}
		c.print(id, m)
	}
	return nil
}

func (c *mailClient) show(ctx context.Context, id uint64) error {
	sess, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Quit()

	m, err := sess.Show(id)
	if err != nil {
		return err
	}
	c.print(id, m)
	return nil
}

func (c *mailClient) print(id uint64, m mail.Mail) {
	fmt.Fprintf(c.out, "id %d\n", id)
	for _, line := range m.Display() {
		fmt.Fprintln(c.out, line)
	}
}

func (c *mailClient) delete(ctx context.Context, id uint64) error {
	sess, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Quit()

	if err := sess.Delete(id); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "ok")
	return err
}

// verify checks the hash of a stored mail against the shared secret.
// A mismatch is reported on out, not as an error.
func (c *mailClient) verify(ctx context.Context, id uint64) error {
	key, err := secure.LoadSecret(c.cfg.HMACKeyFile)
	if err != nil {
		return err
	}
	sess, err := c.open(ctx)
	if err != nil {
		return err
	}
	defer sess.Quit()

	m, err := sess.Show(id)
	if err != nil {
		return err
	}
	result := "error"
	if m.Verify(key) {
		result = "ok"
	}
	_, err = fmt.Fprintln(c.out, result)
	return err
}

// msg signs a mail from the configured address and submits it to the
// transfer node.
func (c *mailClient) msg(ctx context.Context, to, subject, data string) error {
	if c.cfg.Email == "" {
		return errors.New("client: email is required to send mail")
	}
	key, err := secure.LoadSecret(c.cfg.HMACKeyFile)
	if err != nil {
		return err
	}
	m := mail.New(to, c.cfg.Email, subject, data)
	m.Sign(key)

	dctx, cancel := context.WithTimeout(ctx, clientDialTimeout)
	defer cancel()
	sess, err := dmtp.Dial(dctx, nil, c.cfg.TransferAddr, c.logger)
	if err != nil {
		return fmt.Errorf("connecting to transfer %s: %w", c.cfg.TransferAddr, err)
	}
	if err := sess.Relay(ctx, m); err != nil {
		return err
	}
	_, err = fmt.Fprintln(c.out, "ok")
	return err
}
