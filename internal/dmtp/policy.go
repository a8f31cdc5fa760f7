package dmtp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/infodancer/mailfabric/internal/mail"
	"github.com/infodancer/mailfabric/internal/mailbox"
	"github.com/infodancer/mailfabric/internal/metrics"
)

// ErrNoSubmitter is returned when a transfer policy has nowhere to send mail.
var ErrNoSubmitter = errors.New("delivery not available")

// RecipientCheck is the outcome of validating a recipient list.
type RecipientCheck struct {
	// Lines are per-recipient error lines written before the final reply.
	Lines []string
	// Count is the number of recipients accepted.
	Count int
	// Abort, when set, replaces the final reply and rejects the whole list.
	Abort string
}

// Policy holds the role-specific parts of the protocol.
type Policy interface {
	Recipients(to []string) RecipientCheck
	Accept(ctx context.Context, m mail.Mail) error
}

// Opener is implemented by policies that keep per-connection state. The
// handler calls Open once per connection and release when it ends.
type Opener interface {
	Open(ctx context.Context) (p Policy, release func())
}

// Submitter takes completed mail for asynchronous delivery.
type Submitter interface {
	Submit(m mail.Mail) error
}

// TransferPolicy accepts any structurally valid recipient and hands sent
// mail to a per-connection Submitter.
type TransferPolicy struct {
	// NewSubmitter returns the submitter of one connection and a func that
	// drains it when the connection closes.
	NewSubmitter func(ctx context.Context) (Submitter, func())

	submitter Submitter
}

// Open implements Opener.
func (p *TransferPolicy) Open(ctx context.Context) (Policy, func()) {
	if p.NewSubmitter == nil {
		return p, func() {}
	}
	s, release := p.NewSubmitter(ctx)
	return &TransferPolicy{NewSubmitter: p.NewSubmitter, submitter: s}, release
}

// Recipients implements Policy. The first invalid address rejects the list.
func (p *TransferPolicy) Recipients(to []string) RecipientCheck {
	for i, addr := range to {
		if !mail.ValidAddress(addr) {
			return RecipientCheck{Abort: fmt.Sprintf("error invalid recipient email (nr. %d: '%s')", i+1, addr)}
		}
	}
	return RecipientCheck{Count: len(to)}
}

// Accept implements Policy.
func (p *TransferPolicy) Accept(_ context.Context, m mail.Mail) error {
	if p.submitter == nil {
		return ErrNoSubmitter
	}
	return p.submitter.Submit(m)
}

// MailboxPolicy accepts recipients of its own domain that have a mailbox
// and stores sent mail once per such recipient. Recipients of other
// domains are skipped without an error line.
type MailboxPolicy struct {
	Domain    string
	Store     *mailbox.Store
	Collector metrics.Collector
	Logger    *slog.Logger
}

// Recipients implements Policy.
func (p *MailboxPolicy) Recipients(to []string) RecipientCheck {
	var check RecipientCheck
	for _, addr := range to {
		user, domain, err := mail.SplitAddress(addr)
		if err != nil {
			check.Abort = "error invalid email " + addr
			return check
		}
		if domain != p.Domain {
			continue
		}
		if !p.Store.HasUser(user) {
			check.Lines = append(check.Lines, "error unknown recipient "+user)
			continue
		}
		check.Count++
	}
	return check
}

// Accept implements Policy.
func (p *MailboxPolicy) Accept(_ context.Context, m mail.Mail) error {
	seen := make(map[string]bool)
	for _, addr := range m.Recipients() {
		user, domain, err := mail.SplitAddress(addr)
		if err != nil || domain != p.Domain || seen[user] || !p.Store.HasUser(user) {
			continue
		}
		seen[user] = true

		id, err := p.Store.Save(user, m)
		if err != nil {
			return err
		}
		if p.Collector != nil {
			p.Collector.MessageStored(p.Domain)
		}
		if p.Logger != nil {
			p.Logger.Info("mail stored",
				slog.String("user", user),
				slog.Uint64("id", id),
				slog.String("from", m.From.Value()))
		}
	}
	return nil
}
