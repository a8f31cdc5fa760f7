// Package delivery relays submitted mail to the mailbox nodes of its
// recipient domains and bounces what could not be delivered back to the
// sender.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/infodancer/mailfabric/internal/directory"
	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/mail"
	"github.com/infodancer/mailfabric/internal/metrics"
	"github.com/infodancer/mailfabric/internal/server"
)

// Resolver maps a recipient domain to the relay address of its mailbox node.
type Resolver interface {
	Resolve(ctx context.Context, domain string) (string, error)
}

// Relayer deposits a mail at a mailbox node.
type Relayer interface {
	Relay(ctx context.Context, addr string, m mail.Mail) error
}

// UsageSender reports one sender address handled by this node.
type UsageSender interface {
	Send(server, address string) error
}

// SessionRelayer relays over a fresh DMTP session per call.
type SessionRelayer struct {
	// Dialer opens the connection; nil dials directly.
	Dialer server.ContextDialer
	Logger *slog.Logger
}

// Relay implements Relayer.
func (r *SessionRelayer) Relay(ctx context.Context, addr string, m mail.Mail) error {
	c, err := dmtp.Dial(ctx, r.Dialer, addr, r.Logger)
	if err != nil {
		return err
	}
	return c.Relay(ctx, m)
}

// Outcome is the result of delivering to one recipient domain.
type Outcome struct {
	Domain     string
	Recipients []string
	// Addr is the resolved relay address, empty when resolution failed.
	Addr string
	Err  error
}

// Report summarizes one delivery.
type Report struct {
	ID       string
	Outcomes []Outcome
	// Bounced is set when a bounce was attempted; BounceErr holds its
	// failure, which is not retried.
	Bounced   bool
	BounceErr error
}

// Failed returns the recipients of every failed domain in submission order.
func (r Report) Failed() []string {
	var failed []string
	for _, o := range r.Outcomes {
		if o.Err != nil {
			failed = append(failed, o.Recipients...)
		}
	}
	return failed
}

// Engine delivers completed mail.
type Engine struct {
	Resolver Resolver
	Relayer  Relayer
	// NodeIP and NodePort identify this node in bounces and usage reports.
	NodeIP   string
	NodePort int
	// Usage receives one report per delivery; nil disables reporting.
	Usage     UsageSender
	Collector metrics.Collector
	Logger    *slog.Logger
}

// Deliver relays m to every recipient domain, bounces failures to the
// sender and reports usage. Failures are returned in the Report, never as
// an error: the submitter has already been told the mail was sent.
func (e *Engine) Deliver(ctx context.Context, m mail.Mail) Report {
	rep := Report{ID: ulid.Make().String()}
	logger := e.logger().With(slog.String("delivery_id", rep.ID))

	rep.Outcomes = e.relay(ctx, logger, m)
	for _, o := range rep.Outcomes {
		result := "success"
		switch {
		case o.Err == nil:
		case o.Addr == "":
			result = "unresolved"
		default:
			result = "failure"
		}
		e.collector().DeliveryCompleted(o.Domain, result)
	}

	if failed := rep.Failed(); len(failed) > 0 {
		rep.Bounced = true
		rep.BounceErr = e.bounce(ctx, logger, m, failed, rep.Outcomes)
	}

	e.reportUsage(logger, m)
	logger.Info("delivery finished",
		slog.Int("domains", len(rep.Outcomes)),
		slog.Int("failed", len(rep.Failed())),
		slog.Bool("bounced", rep.Bounced))
	return rep
}

// relay sends m once per distinct recipient domain.
func (e *Engine) relay(ctx context.Context, logger *slog.Logger, m mail.Mail) []Outcome {
	outcomes := group(m.Recipients())
	for i := range outcomes {
		o := &outcomes[i]
		if o.Err != nil {
			continue
		}
		addr, err := e.Resolver.Resolve(ctx, o.Domain)
		if err != nil {
			o.Err = err
			logger.Warn("domain not resolved",
				slog.String("domain", o.Domain),
				slog.String("error", err.Error()))
			continue
		}
		o.Addr = addr

		if err := e.Relayer.Relay(ctx, addr, m); err != nil {
			o.Err = err
			logger.Warn("relay failed",
				slog.String("domain", o.Domain),
				slog.String("addr", addr),
				slog.String("error", err.Error()))
			continue
		}
		logger.Debug("relayed",
			slog.String("domain", o.Domain),
			slog.String("addr", addr))
	}
	return outcomes
}

// group splits recipients by domain in first-seen order. Addresses
// without a domain form their own failed group.
func group(recipients []string) []Outcome {
	var outcomes []Outcome
	index := make(map[string]int)
	for _, r := range recipients {
		_, domain, err := mail.SplitAddress(r)
		if err != nil {
			outcomes = append(outcomes, Outcome{Domain: r, Recipients: []string{r}, Err: err})
			continue
		}
		if i, ok := index[domain]; ok {
			outcomes[i].Recipients = append(outcomes[i].Recipients, r)
			continue
		}
		index[domain] = len(outcomes)
		outcomes = append(outcomes, Outcome{Domain: domain, Recipients: []string{r}})
	}
	return outcomes
}

// bounce sends a failure notice for failed to the sender of m.
func (e *Engine) bounce(ctx context.Context, logger *slog.Logger, m mail.Mail, failed []string, outcomes []Outcome) error {
	var details strings.Builder
	for _, o := range outcomes {
		if o.Err != nil {
			details.WriteString(describe(o))
		}
	}
	notice := Bounce(e.NodeIP, m, failed, details.String())

	var err error
	for _, o := range e.relay(ctx, logger, notice) {
		if o.Err != nil {
			err = errors.Join(err, fmt.Errorf("%s: %w", o.Domain, o.Err))
		}
	}
	if err != nil {
		e.collector().BounceSent("failed")
		logger.Warn("bounce not delivered",
			slog.String("to", notice.To.Value()),
			slog.String("error", err.Error()))
		return err
	}
	e.collector().BounceSent("sent")
	logger.Info("bounce sent", slog.String("to", notice.To.Value()))
	return nil
}

// Bounce builds the failure notice sent from mailer@nodeIP to the sender of
// m listing the failed recipients.
func Bounce(nodeIP string, m mail.Mail, failed []string, details string) mail.Mail {
	return mail.New(
		m.From.Value(),
		"mailer@"+nodeIP,
		"Could not send mail subject '"+m.Subject.Value()+"'",
		"Could not send to mails: "+strings.Join(failed, ",")+" Details: "+details,
	)
}

// describe renders the failure of o for a bounce.
func describe(o Outcome) string {
	var lerr *directory.LookupError
	var rejected *dmtp.RejectedError
	switch {
	case o.Addr == "" && errors.As(o.Err, &lerr) && lerr.Zone != "" && errors.Is(o.Err, directory.ErrNotFound):
		return "Nameserver '" + lerr.Zone + "' for domain '" + o.Domain + "' not found. "
	case o.Addr == "" && (errors.Is(o.Err, directory.ErrNotFound) || errors.Is(o.Err, directory.ErrUnreachable)):
		return "Domain '" + o.Domain + "' not found. "
	case o.Addr == "":
		return "Invalid domain '" + o.Domain + "'. "
	case errors.Is(o.Err, dmtp.ErrWrongProtocol):
		return "Wrong Domain Protocol '" + o.Domain + "'. "
	case errors.As(o.Err, &rejected):
		return "Wrong Domain Response at '" + o.Domain + "' after message '" + rejected.Line + "'. "
	default:
		return "Could not reach Domain '" + o.Domain + "' at " + o.Addr + ": " + o.Err.Error() + ". "
	}
}

func (e *Engine) reportUsage(logger *slog.Logger, m mail.Mail) {
	if e.Usage == nil {
		return
	}
	node := e.NodeIP + ":" + strconv.Itoa(e.NodePort)
	if err := e.Usage.Send(node, m.From.Value()); err != nil {
		logger.Debug("usage report lost", slog.String("error", err.Error()))
		return
	}
	e.collector().UsageSent()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) collector() metrics.Collector {
	if e.Collector == nil {
		return &metrics.NoopCollector{}
	}
	return e.Collector
}
