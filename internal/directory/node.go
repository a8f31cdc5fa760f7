package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Node holds the state of one zone: child nameserver delegations and
// mailbox registrations keyed by label. Registrations for deeper domains
// are forwarded to the matching child through the Dialer.
type Node struct {
	self   Ref
	dialer Dialer
	logger *slog.Logger

	children  sync.Map // label -> Ref
	mailboxes sync.Map // label -> address
}

// NewNode creates an empty zone node identified by self.
func NewNode(self Ref, dialer Dialer, logger *slog.Logger) *Node {
	if logger == nil {
		logger = slog.Default()
	}
	return &Node{
		self:   self,
		dialer: dialer,
		logger: logger,
	}
}

// Ref returns the node's own reference.
func (n *Node) Ref() Ref {
	return n.self
}

// RegisterNameserver registers ref for the innermost label of domain.
func (n *Node) RegisterNameserver(ctx context.Context, domain string, ref Ref) error {
	labels, err := SplitDomain(domain)
	if err != nil {
		return err
	}
	if len(labels) == 1 {
		if _, loaded := n.children.LoadOrStore(labels[0], ref); loaded {
			return fmt.Errorf("%w: zone %s", ErrAlreadyRegistered, labels[0])
		}
		n.logger.Info("nameserver registered",
			slog.String("zone", labels[0]),
			slog.String("ref", ref.String()))
		return nil
	}

	child, rest, err := n.delegate(labels)
	if err != nil {
		return err
	}
	return child.RegisterNameserver(ctx, rest, ref)
}

// RegisterMailboxServer registers addr for the innermost label of domain.
func (n *Node) RegisterMailboxServer(ctx context.Context, domain string, addr string) error {
	labels, err := SplitDomain(domain)
	if err != nil {
		return err
	}
	if len(labels) == 1 {
		if _, loaded := n.mailboxes.LoadOrStore(labels[0], addr); loaded {
			return fmt.Errorf("%w: mailbox %s", ErrAlreadyRegistered, labels[0])
		}
		n.logger.Info("mailbox server registered",
			slog.String("domain", labels[0]),
			slog.String("address", addr))
		return nil
	}

	child, rest, err := n.delegate(labels)
	if err != nil {
		return err
	}
	return child.RegisterMailboxServer(ctx, rest, addr)
}

// delegate returns the child responsible for the outermost label and the
// remaining domain to pass on.
func (n *Node) delegate(labels []string) (Nameserver, string, error) {
	last := labels[len(labels)-1]
	v, ok := n.children.Load(last)
	if !ok {
		return nil, "", fmt.Errorf("%w: no zone %s", ErrInvalidDomain, last)
	}
	child, err := n.dialer.Dial(v.(Ref))
	if err != nil {
		return nil, "", err
	}
	return child, strings.Join(labels[:len(labels)-1], "."), nil
}

// GetNameserver returns the child nameserver registered for label.
func (n *Node) GetNameserver(_ context.Context, label string) (Ref, error) {
	if !validLabel(label) {
		return Ref{}, ErrInvalidDomain
	}
	v, ok := n.children.Load(label)
	if !ok {
		return Ref{}, fmt.Errorf("%w: zone %s", ErrNotFound, label)
	}
	return v.(Ref), nil
}

// Lookup returns the mailbox address registered for label.
func (n *Node) Lookup(_ context.Context, label string) (string, error) {
	if !validLabel(label) {
		return "", ErrInvalidDomain
	}
	v, ok := n.mailboxes.Load(label)
	if !ok {
		return "", fmt.Errorf("%w: mailbox %s", ErrNotFound, label)
	}
	return v.(string), nil
}

// Nameservers lists child delegations as "label id addr", sorted by label.
func (n *Node) Nameservers() []string {
	var out []string
	n.children.Range(func(k, v any) bool {
		ref := v.(Ref)
		out = append(out, k.(string)+" "+ref.ID+" "+ref.Addr)
		return true
	})
	sort.Strings(out)
	return out
}

// Addresses lists mailbox registrations as "label addr", sorted by label.
func (n *Node) Addresses() []string {
	var out []string
	n.mailboxes.Range(func(k, v any) bool {
		out = append(out, k.(string)+" "+v.(string))
		return true
	})
	sort.Strings(out)
	return out
}
