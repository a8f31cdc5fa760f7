// Package dmap implements the mailbox access protocol: a plaintext greeting,
// an optional secure handshake, and authenticated listing, reading and
// deletion of stored mail.
package dmap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/mailbox"
	"github.com/infodancer/mailfabric/internal/metrics"
	"github.com/infodancer/mailfabric/internal/secure"
	"github.com/infodancer/mailfabric/internal/server"
)

// Greeting is the first line a DMAP server sends.
const Greeting = "ok DMAP2.0"

const (
	replyOK             = "ok"
	replyBye            = "ok bye"
	replyProtocolError  = "error protocol error"
	replyNotLoggedIn    = "error not logged in"
	replyLoginSyntax    = "error syntax: 'login username password'"
	replyUnknownUser    = "error unknown user"
	replyWrongPassword  = "error wrong password"
	replyUnknownMessage = "error unknown message id"
	replySecureRequired = "error secure session required"
	replyAlreadySecure  = "error already secure"
)

var idPattern = regexp.MustCompile(`^\d+$`)

// HandlerConfig configures a DMAP connection handler.
type HandlerConfig struct {
	// ComponentID names the node in the handshake and selects its key.
	ComponentID string
	// Domain is used as the metrics label for logins.
	Domain string
	Store  *mailbox.Store
	Keys   secure.KeyStore
	// RequireSecure refuses login before the handshake.
	RequireSecure bool
	Collector     metrics.Collector
}

// session is the state of one access connection.
type session struct {
	cfg  *HandlerConfig
	ch   *secure.Channel
	user string
	log  *slog.Logger
}

// outcome tells the loop what to do after a command.
type outcome int

const (
	keepOpen outcome = iota
	closeConn
)

type commandFunc func(s *session, arg string) (outcome, error)

var commands = map[string]commandFunc{
	"startsecure": (*session).startSecure,
	"login":       (*session).login,
	"list":        (*session).list,
	"show":        (*session).show,
	"delete":      (*session).delete,
	"logout":      (*session).logout,
	"quit":        (*session).quit,
}

// Handler returns a ConnectionHandler that serves DMAP from cfg.Store.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}

	return func(ctx context.Context, conn *server.Connection) {
		s := &session{
			cfg: &cfg,
			ch:  secure.NewChannel(conn),
			log: logging.FromContext(ctx),
		}

		if err := s.ch.WriteLine(Greeting); err != nil {
			s.log.Debug("failed to send greeting", slog.String("error", err.Error()))
			return
		}

		for {
			line, err := s.ch.ReadLine()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					s.log.Debug("failed to read command", slog.String("error", err.Error()))
				}
				return
			}

			name, arg, _ := strings.Cut(line, " ")
			cmd, ok := commands[name]
			if !ok {
				cfg.Collector.CommandProcessed("dmap", "invalid")
				s.log.Debug("protocol error", slog.Bool("secure", s.ch.Secure()))
				_ = s.ch.WriteLine(replyProtocolError)
				return
			}
			cfg.Collector.CommandProcessed("dmap", name)

			next, err := cmd(s, arg)
			if err != nil {
				s.log.Debug("command failed",
					slog.String("command", name),
					slog.String("error", err.Error()))
				return
			}
			if next == closeConn {
				return
			}
			_ = conn.ResetIdleTimeout()
		}
	}
}

func (s *session) reply(lines ...string) (outcome, error) {
	for _, l := range lines {
		if err := s.ch.WriteLine(l); err != nil {
			return closeConn, err
		}
	}
	return keepOpen, nil
}

func (s *session) startSecure(_ string) (outcome, error) {
	if s.ch.Secure() {
		return s.reply(replyAlreadySecure)
	}
	err := secure.Respond(s.ch, s.cfg.ComponentID, s.cfg.Keys)
	s.cfg.Collector.HandshakeCompleted(err == nil)
	if err != nil {
		// Handshake failures are fatal to the connection.
		return closeConn, err
	}
	s.log.Debug("secure session established")
	return keepOpen, nil
}

func (s *session) login(arg string) (outcome, error) {
	if s.cfg.RequireSecure && !s.ch.Secure() {
		return s.reply(replySecureRequired)
	}
	parts := strings.Split(arg, " ")
	if len(parts) != 2 {
		return s.reply(replyLoginSyntax)
	}

	err := s.cfg.Store.Authenticate(parts[0], parts[1])
	s.cfg.Collector.AuthAttempt(s.cfg.Domain, err == nil)
	switch {
	case errors.Is(err, mailbox.ErrUnknownUser):
		return s.reply(replyUnknownUser)
	case errors.Is(err, mailbox.ErrWrongPassword):
		return s.reply(replyWrongPassword)
	case err != nil:
		return closeConn, err
	}

	s.user = parts[0]
	s.log.Info("user logged in", slog.String("user", s.user))
	return s.reply(replyOK)
}

func (s *session) list(_ string) (outcome, error) {
	if s.user == "" {
		return s.reply(replyNotLoggedIn)
	}
	entries, err := s.cfg.Store.List(s.user)
	if err != nil {
		return s.reply(replyUnknownUser)
	}
	lines := make([]string, 0, len(entries)+1)
	for _, e := range entries {
		lines = append(lines, e.Summary())
	}
	return s.reply(append(lines, replyOK)...)
}

// parseID parses a message id argument. ok is false when arg is not a
// decimal number.
func parseID(arg string) (id uint64, ok bool, err error) {
	if !idPattern.MatchString(arg) {
		return 0, false, nil
	}
	id, err = strconv.ParseUint(arg, 10, 64)
	return id, true, err
}

func (s *session) show(arg string) (outcome, error) {
	if s.user == "" {
		return s.reply(replyNotLoggedIn)
	}
	id, ok, err := parseID(arg)
	if !ok {
		return s.reply("error wrong format for number: 'show number'")
	}
	if err != nil {
		return s.reply(replyUnknownMessage)
	}
	m, err := s.cfg.Store.Get(s.user, id)
	if err != nil {
		return s.reply(replyUnknownMessage)
	}
	return s.reply(append(m.Display(), replyOK)...)
}

func (s *session) delete(arg string) (outcome, error) {
	if s.user == "" {
		return s.reply(replyNotLoggedIn)
	}
	id, ok, err := parseID(arg)
	if !ok {
		return s.reply("error wrong format for number: 'delete number'")
	}
	if err != nil {
		return s.reply(replyUnknownMessage)
	}
	if err := s.cfg.Store.Delete(s.user, id); err != nil {
		return s.reply(replyUnknownMessage)
	}
	return s.reply(replyOK)
}

func (s *session) logout(_ string) (outcome, error) {
	if s.user == "" {
		return s.reply(replyNotLoggedIn)
	}
	s.user = ""
	return s.reply(replyOK)
}

func (s *session) quit(_ string) (outcome, error) {
	if _, err := s.reply(replyBye); err != nil {
		return closeConn, err
	}
	return closeConn, nil
}
