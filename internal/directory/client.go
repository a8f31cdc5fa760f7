package directory

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client calls a remote nameserver over gRPC.
type Client struct {
	ref  Ref
	conn *grpc.ClientConn
}

var _ Nameserver = (*Client)(nil)

// NewClient wraps an established client connection to ref.
func NewClient(ref Ref, conn *grpc.ClientConn) *Client {
	return &Client{ref: ref, conn: conn}
}

// Ref returns the nameserver this client talks to.
func (c *Client) Ref() Ref {
	return c.ref
}

func (c *Client) invoke(ctx context.Context, method string, req *Request) (*Reply, error) {
	reply := new(Reply)
	err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, reply, grpc.CallContentSubtype(codecName))
	if err != nil {
		return nil, fromStatus(err)
	}
	return reply, nil
}

// RegisterNameserver implements Nameserver.
func (c *Client) RegisterNameserver(ctx context.Context, domain string, ref Ref) error {
	_, err := c.invoke(ctx, methodRegisterNameserver, &Request{Domain: domain, ID: ref.ID, Addr: ref.Addr})
	return err
}

// RegisterMailboxServer implements Nameserver.
func (c *Client) RegisterMailboxServer(ctx context.Context, domain string, addr string) error {
	_, err := c.invoke(ctx, methodRegisterMailboxServer, &Request{Domain: domain, Addr: addr})
	return err
}

// GetNameserver implements Nameserver.
func (c *Client) GetNameserver(ctx context.Context, label string) (Ref, error) {
	reply, err := c.invoke(ctx, methodGetNameserver, &Request{Domain: label})
	if err != nil {
		return Ref{}, err
	}
	return Ref{ID: reply.ID, Addr: reply.Addr}, nil
}

// Lookup implements Nameserver.
func (c *Client) Lookup(ctx context.Context, label string) (string, error) {
	reply, err := c.invoke(ctx, methodLookup, &Request{Domain: label})
	if err != nil {
		return "", err
	}
	return reply.Addr, nil
}

// Pool is a Dialer that keeps one client connection per address.
type Pool struct {
	opts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

var _ Dialer = (*Pool)(nil)

// NewPool creates a Pool. Connections are plaintext unless opts say otherwise.
func NewPool(opts ...grpc.DialOption) *Pool {
	return &Pool{
		opts:  append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...),
		conns: make(map[string]*grpc.ClientConn),
	}
}

// Dial returns a client for ref, reusing an existing connection to its address.
func (p *Pool) Dial(ref Ref) (Nameserver, error) {
	if ref.Addr == "" {
		return nil, fmt.Errorf("%w: %s has no address", ErrUnreachable, ref.ID)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	conn, ok := p.conns[ref.Addr]
	if !ok {
		var err error
		conn, err = grpc.NewClient("passthrough:///"+ref.Addr, p.opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
		}
		p.conns[ref.Addr] = conn
	}
	return NewClient(ref, conn), nil
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, addr)
	}
	return firstErr
}
