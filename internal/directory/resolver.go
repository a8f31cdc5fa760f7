package directory

import (
	"context"
	"fmt"
)

// LookupError reports where in the zone chain a resolution stopped.
type LookupError struct {
	Domain string
	// Zone is the label whose nameserver could not be found; empty when
	// the innermost lookup failed.
	Zone string
	Err  error
}

func (e *LookupError) Error() string {
	if e.Zone != "" {
		return fmt.Sprintf("resolving %s at zone %s: %v", e.Domain, e.Zone, e.Err)
	}
	return fmt.Sprintf("resolving %s: %v", e.Domain, e.Err)
}

func (e *LookupError) Unwrap() error {
	return e.Err
}

// Resolver resolves full domains to mailbox addresses starting at the root.
type Resolver struct {
	Root   Ref
	Dialer Dialer
}

// Resolve walks the zone chain of domain from the root down and returns the
// mailbox address registered for its innermost label. A missing link at any
// depth yields ErrNotFound; transport failures yield ErrUnreachable.
func (r *Resolver) Resolve(ctx context.Context, domain string) (string, error) {
	labels, err := SplitDomain(domain)
	if err != nil {
		return "", err
	}

	ns, err := r.Dialer.Dial(r.Root)
	if err != nil {
		return "", &LookupError{Domain: domain, Err: err}
	}

	for i := len(labels) - 1; i >= 1; i-- {
		ref, err := ns.GetNameserver(ctx, labels[i])
		if err != nil {
			return "", &LookupError{Domain: domain, Zone: labels[i], Err: err}
		}
		ns, err = r.Dialer.Dial(ref)
		if err != nil {
			return "", &LookupError{Domain: domain, Zone: labels[i], Err: err}
		}
	}

	addr, err := ns.Lookup(ctx, labels[0])
	if err != nil {
		return "", &LookupError{Domain: domain, Err: err}
	}
	return addr, nil
}
