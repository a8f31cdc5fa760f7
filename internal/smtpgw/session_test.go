package smtpgw

import (
	"context"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/mail"
)

func TestParseMessage(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		subject string
		body    string
	}{
		{
			name:    "plain",
			raw:     "Subject: tea\r\nFrom: arthur@earth.planet\r\n\r\nnone left\r\nat all\r\n",
			subject: "tea",
			body:    "none left at all",
		},
		{
			name:    "encoded subject",
			raw:     "Subject: =?utf-8?q?caf=C3=A9?=\r\n\r\nopen\r\n",
			subject: "café",
			body:    "open",
		},
		{
			name: "quoted printable",
			raw: "Subject: qp\r\nContent-Type: text/plain; charset=utf-8\r\n" +
				"Content-Transfer-Encoding: quoted-printable\r\n\r\nlong=\r\n line\r\n",
			subject: "qp",
			body:    "long line",
		},
		{
			name: "multipart alternative",
			raw: "Subject: parts\r\nMIME-Version: 1.0\r\n" +
				"Content-Type: multipart/alternative; boundary=b1\r\n\r\n" +
				"--b1\r\nContent-Type: text/html\r\n\r\n<p>html</p>\r\n" +
				"--b1\r\nContent-Type: text/plain\r\n\r\nplain text\r\n" +
				"--b1--\r\n",
			subject: "parts",
			body:    "plain text",
		},
		{
			name:    "no subject",
			raw:     "From: a@b\r\n\r\nbody\r\n",
			subject: "",
			body:    "body",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subject, body, err := parseMessage(strings.NewReader(tt.raw))
			if err != nil {
				t.Fatalf("parseMessage() error = %v", err)
			}
			if subject != tt.subject {
				t.Errorf("subject = %q, want %q", subject, tt.subject)
			}
			if body != tt.body {
				t.Errorf("body = %q, want %q", body, tt.body)
			}
		})
	}
}

func TestFold(t *testing.T) {
	tests := map[string]string{
		"":                 "",
		"one":              "one",
		"a\r\nb\n\n  c  \n": "a b c",
	}
	for in, want := range tests {
		if got := fold(in); got != want {
			t.Errorf("fold(%q) = %q, want %q", in, got, want)
		}
	}
}

type recordingSubmitter struct {
	mu    sync.Mutex
	mails []mail.Mail
}

func (s *recordingSubmitter) Submit(m mail.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mails = append(s.mails, m)
	return nil
}

func (s *recordingSubmitter) recorded() []mail.Mail {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mail.Mail(nil), s.mails...)
}

// startGateway serves the gateway on a loopback port and returns its address.
func startGateway(t *testing.T, sub *recordingSubmitter, released *atomic.Int32) string {
	t.Helper()
	backend := NewBackend(BackendConfig{
		NewSubmitter: func(context.Context) (dmtp.Submitter, func()) {
			return sub, func() { released.Add(1) }
		},
		MaxRecipients: 10,
	})
	srv, err := NewServer(ServerConfig{
		Backend:      backend,
		Hostname:     "transfer.test",
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	})
	return ln.Addr().String()
}

func TestGatewaySubmitsMail(t *testing.T) {
	sub := &recordingSubmitter{}
	var released atomic.Int32
	addr := startGateway(t, sub, &released)

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	msg := "Subject: towel day\r\n\r\nbring\r\nyour towel\r\n"
	to := []string{"arthur@earth.planet", "zaphod@univer.ze"}
	if err := c.SendMail("trillian@earth.planet", to, strings.NewReader(msg)); err != nil {
		t.Fatalf("SendMail() error = %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Errorf("Quit() error = %v", err)
	}

	got := sub.recorded()
	if len(got) != 1 {
		t.Fatalf("submitted %d mails, want 1", len(got))
	}
	want := mail.New("arthur@earth.planet,zaphod@univer.ze", "trillian@earth.planet", "towel day", "bring your towel")
	if got[0] != want {
		t.Errorf("submitted %+v, want %+v", got[0], want)
	}

	deadline := time.Now().Add(2 * time.Second)
	for released.Load() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("submitter was not released after the session ended")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGatewayRejectsInvalidAddresses(t *testing.T) {
	sub := &recordingSubmitter{}
	var released atomic.Int32
	addr := startGateway(t, sub, &released)

	c, err := smtp.Dial(addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Close()

	if err := c.Mail("not-an-address", nil); err == nil {
		t.Error("Mail() with an invalid sender should fail")
	}
	if err := c.Mail("trillian@earth.planet", nil); err != nil {
		t.Fatalf("Mail() error = %v", err)
	}
	if err := c.Rcpt("a@b@c", nil); err == nil {
		t.Error("Rcpt() with an invalid recipient should fail")
	}
	if len(sub.recorded()) != 0 {
		t.Error("nothing should be submitted")
	}
}
