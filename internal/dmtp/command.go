// Package dmtp implements the line-based mail submission and relay protocol
// spoken by transfer nodes (public submission) and mailbox nodes (relay
// reception), plus the client side used to replay a Mail to a peer.
package dmtp

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"github.com/infodancer/mailfabric/internal/mail"
)

// Greeting is the first line a DMTP server sends.
const Greeting = "ok DMTP2.0"

// ErrUnknownCommand is returned by Match for lines no command accepts.
var ErrUnknownCommand = errors.New("unknown command")

// Protocol replies shared by both node roles.
const (
	replyOK            = "ok"
	replyBye           = "ok bye"
	replyProtocolError = "error protocol error"
	replyInvalidSender = "error invalid sender email"
	replyNoRelevant    = "error no relevant recipient"
)

// Session is the per-connection composition state.
type Session struct {
	mail mail.Mail
}

// NewSession returns a session with an empty Mail.
func NewSession() *Session {
	return &Session{}
}

// Mail returns the Mail under composition.
func (s *Session) Mail() mail.Mail {
	return s.mail
}

// Reset discards the Mail under composition.
func (s *Session) Reset() {
	s.mail = mail.Mail{}
}

// Result is the reply to one command.
type Result struct {
	Lines []string
	// Close ends the connection after the lines are written.
	Close bool
}

func reply(lines ...string) Result {
	return Result{Lines: lines}
}

// Command is one protocol verb matched by a regular expression.
type Command interface {
	// Name is used for metrics.
	Name() string
	// Pattern matches the full line. matches[1], when present, is the argument.
	Pattern() *regexp.Regexp
	Execute(ctx context.Context, s *Session, matches []string) Result
}

// CommandRegistry holds the commands of one server role.
type CommandRegistry struct {
	commands []Command
}

// NewCommandRegistry creates the registry for a server using policy.
func NewCommandRegistry(policy Policy) *CommandRegistry {
	return &CommandRegistry{
		commands: []Command{
			&beginCommand{},
			&toCommand{policy: policy},
			&fromCommand{},
			&fieldCommand{name: "subject", pattern: subjectPattern, set: func(m *mail.Mail, v string) { m.Subject.Set(v) }},
			&fieldCommand{name: "data", pattern: dataPattern, set: func(m *mail.Mail, v string) { m.Data.Set(v) }},
			&fieldCommand{name: "hash", pattern: hashPattern, set: func(m *mail.Mail, v string) { m.Hash.Set(v) }},
			&sendCommand{policy: policy},
			&quitCommand{},
		},
	}
}

// Match finds the command accepting line.
func (r *CommandRegistry) Match(line string) (Command, []string, error) {
	for _, cmd := range r.commands {
		if matches := cmd.Pattern().FindStringSubmatch(line); matches != nil {
			return cmd, matches, nil
		}
	}
	return nil, nil, ErrUnknownCommand
}

// The verb is everything before the first space; the rest is the argument.
var (
	beginPattern   = regexp.MustCompile(`^begin(?: .*)?$`)
	toPattern      = regexp.MustCompile(`^to(?: (.*))?$`)
	fromPattern    = regexp.MustCompile(`^from(?: (.*))?$`)
	subjectPattern = regexp.MustCompile(`^subject(?: (.*))?$`)
	dataPattern    = regexp.MustCompile(`^data(?: (.*))?$`)
	hashPattern    = regexp.MustCompile(`^hash(?: (.*))?$`)
	sendPattern    = regexp.MustCompile(`^send(?: .*)?$`)
	quitPattern    = regexp.MustCompile(`^quit(?: .*)?$`)
)

type beginCommand struct{}

func (c *beginCommand) Name() string            { return "begin" }
func (c *beginCommand) Pattern() *regexp.Regexp { return beginPattern }

func (c *beginCommand) Execute(_ context.Context, s *Session, _ []string) Result {
	s.Reset()
	return reply(replyOK)
}

type toCommand struct {
	policy Policy
}

func (c *toCommand) Name() string            { return "to" }
func (c *toCommand) Pattern() *regexp.Regexp { return toPattern }

func (c *toCommand) Execute(_ context.Context, s *Session, matches []string) Result {
	value := matches[1]
	check := c.policy.Recipients(mail.SplitRecipients(value))

	lines := append([]string(nil), check.Lines...)
	switch {
	case check.Abort != "":
		lines = append(lines, check.Abort)
	case check.Count == 0:
		lines = append(lines, replyNoRelevant)
	default:
		s.mail.To.Set(value)
		lines = append(lines, "ok "+strconv.Itoa(check.Count))
	}
	return Result{Lines: lines}
}

type fromCommand struct{}

func (c *fromCommand) Name() string            { return "from" }
func (c *fromCommand) Pattern() *regexp.Regexp { return fromPattern }

func (c *fromCommand) Execute(_ context.Context, s *Session, matches []string) Result {
	if !mail.ValidAddress(matches[1]) {
		return reply(replyInvalidSender)
	}
	s.mail.From.Set(matches[1])
	return reply(replyOK)
}

// fieldCommand stores its argument verbatim.
type fieldCommand struct {
	name    string
	pattern *regexp.Regexp
	set     func(m *mail.Mail, v string)
}

func (c *fieldCommand) Name() string            { return c.name }
func (c *fieldCommand) Pattern() *regexp.Regexp { return c.pattern }

func (c *fieldCommand) Execute(_ context.Context, s *Session, matches []string) Result {
	c.set(&s.mail, matches[1])
	return reply(replyOK)
}

type sendCommand struct {
	policy Policy
}

func (c *sendCommand) Name() string            { return "send" }
func (c *sendCommand) Pattern() *regexp.Regexp { return sendPattern }

func (c *sendCommand) Execute(ctx context.Context, s *Session, _ []string) Result {
	if missing := s.mail.Missing(); len(missing) > 0 {
		return reply("error " + strings.Join(missing, ","))
	}
	if err := c.policy.Accept(ctx, s.mail); err != nil {
		return reply("error " + err.Error())
	}
	s.Reset()
	return reply(replyOK)
}

type quitCommand struct{}

func (c *quitCommand) Name() string            { return "quit" }
func (c *quitCommand) Pattern() *regexp.Regexp { return quitPattern }

func (c *quitCommand) Execute(_ context.Context, _ *Session, _ []string) Result {
	return Result{Lines: []string{replyBye}, Close: true}
}
