// Package directory implements the hierarchical name service that maps mail
// domains to mailbox node addresses. Each nameserver owns one zone, holds
// delegations to child zones and leaf mailbox registrations, and forwards
// registrations for deeper domains to the responsible child over RPC.
package directory

import (
	"context"
	"errors"
	"strings"

	"github.com/miekg/dns"
)

var (
	// ErrAlreadyRegistered is returned when a zone or mailbox is already taken.
	ErrAlreadyRegistered = errors.New("already registered")
	// ErrInvalidDomain is returned for malformed domains and for domains whose
	// parent zone is not delegated.
	ErrInvalidDomain = errors.New("invalid domain")
	// ErrNotFound is returned when a label has no registration.
	ErrNotFound = errors.New("not found")
	// ErrUnreachable is returned when a nameserver cannot be contacted.
	ErrUnreachable = errors.New("nameserver unreachable")
)

// Ref identifies a nameserver by id and network address.
type Ref struct {
	ID   string
	Addr string
}

func (r Ref) String() string {
	return r.ID + "@" + r.Addr
}

// Nameserver is the set of operations every directory node answers.
type Nameserver interface {
	// RegisterNameserver delegates the innermost zone of domain to ref.
	RegisterNameserver(ctx context.Context, domain string, ref Ref) error
	// RegisterMailboxServer binds domain to a mailbox node address.
	RegisterMailboxServer(ctx context.Context, domain string, addr string) error
	// GetNameserver returns the child nameserver for a single label.
	GetNameserver(ctx context.Context, label string) (Ref, error)
	// Lookup returns the mailbox address registered for a single label.
	Lookup(ctx context.Context, label string) (string, error)
}

// Dialer connects to the nameserver behind a Ref.
type Dialer interface {
	Dial(ref Ref) (Nameserver, error)
}

// SplitDomain validates domain and returns its labels, outermost zone last.
// A trailing dot is accepted.
func SplitDomain(domain string) ([]string, error) {
	if domain == "" || domain == "." {
		return nil, ErrInvalidDomain
	}
	if _, ok := dns.IsDomainName(domain); !ok {
		return nil, ErrInvalidDomain
	}
	labels := dns.SplitDomainName(domain)
	for _, l := range labels {
		if l == "" || strings.ContainsAny(l, " \t@") {
			return nil, ErrInvalidDomain
		}
	}
	return labels, nil
}

// validLabel reports whether s is a single zone label.
func validLabel(s string) bool {
	labels, err := SplitDomain(s)
	return err == nil && len(labels) == 1 && !strings.HasSuffix(s, ".")
}
