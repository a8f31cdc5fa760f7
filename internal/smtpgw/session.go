package smtpgw

import (
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/emersion/go-message"
	gomail "github.com/emersion/go-message/mail"
	"github.com/emersion/go-smtp"

	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/mail"
)

var (
	errBadSender = &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 1, 7},
		Message:      "Invalid sender address",
	}
	errBadRecipient = &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 1, 3},
		Message:      "Invalid recipient address",
	}
	errNoDelivery = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Delivery not available",
	}
)

// Session implements the go-smtp Session interface.
type Session struct {
	backend    *Backend
	clientIP   string
	from       string
	recipients []string
	submitter  dmtp.Submitter
	release    func()
	logger     *slog.Logger
}

// Mail handles the MAIL FROM command.
// Implements smtp.Session interface.
func (s *Session) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.collector.CommandProcessed("smtp", "MAIL")
	if !mail.ValidAddress(from) {
		return errBadSender
	}
	s.from = from
	s.logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// Rcpt handles the RCPT TO command.
// Implements smtp.Session interface.
func (s *Session) Rcpt(to string, opts *smtp.RcptOptions) error {
	s.backend.collector.CommandProcessed("smtp", "RCPT")

	if s.backend.maxRecipients > 0 && len(s.recipients) >= s.backend.maxRecipients {
		return &smtp.SMTPError{
			Code:         452,
			EnhancedCode: smtp.EnhancedCode{4, 5, 3},
			Message:      "Too many recipients",
		}
	}
	if !mail.ValidAddress(to) || strings.Contains(to, ",") {
		return errBadRecipient
	}

	s.recipients = append(s.recipients, to)
	s.logger.Debug("RCPT TO", slog.String("to", to))
	return nil
}

// Data converts the message into a Mail and submits it for delivery.
// Implements smtp.Session interface.
func (s *Session) Data(r io.Reader) error {
	s.backend.collector.CommandProcessed("smtp", "DATA")

	subject, body, err := parseMessage(r)
	if err != nil {
		s.logger.Debug("failed to parse message", slog.String("error", err.Error()))
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Message could not be parsed",
		}
	}

	m := mail.New(strings.Join(s.recipients, ","), s.from, subject, body)
	if missing := m.Missing(); len(missing) > 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 6, 0},
			Message:      "Incomplete message: " + strings.Join(missing, ", "),
		}
	}

	if s.submitter == nil {
		return errNoDelivery
	}
	if err := s.submitter.Submit(m); err != nil {
		s.logger.Debug("submit failed", slog.String("error", err.Error()))
		return errNoDelivery
	}

	s.logger.Info("mail submitted",
		slog.String("client_ip", s.clientIP),
		slog.String("from", s.from),
		slog.Int("recipients", len(s.recipients)))
	return nil
}

// Reset is called when the client sends RSET.
// Implements smtp.Session interface.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
}

// Logout is called when the client quits or the connection closes. It
// waits for the deliveries of this connection to drain.
// Implements smtp.Session interface.
func (s *Session) Logout() error {
	s.backend.collector.ConnectionClosed("smtp")
	if s.release != nil {
		s.release()
	}
	s.logger.Debug("session logout")
	return nil
}

// parseMessage extracts the decoded subject and the first text body of an
// RFC 5322 message, folding the body into a single line.
func parseMessage(r io.Reader) (subject, body string, err error) {
	entity, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return "", "", err
	}

	h := gomail.Header{Header: entity.Header}
	subject, err = h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}

	text, err := firstText(entity)
	if err != nil {
		return "", "", err
	}
	return fold(subject), fold(text), nil
}

// firstText returns the first text/plain part of e, or the whole body of a
// single part message.
func firstText(e *message.Entity) (string, error) {
	mr := e.MultipartReader()
	if mr == nil {
		b, err := io.ReadAll(e.Body)
		return string(b), err
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return "", nil
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", err
		}
		if t, _, _ := p.Header.ContentType(); t == "text/plain" || t == "" || p.MultipartReader() != nil {
			text, err := firstText(p)
			if err != nil || text != "" {
				return text, err
			}
		}
	}
}

// fold joins the non-empty lines of s with single spaces.
func fold(s string) string {
	var parts []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			parts = append(parts, line)
		}
	}
	return strings.Join(parts, " ")
}
