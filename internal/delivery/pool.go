package delivery

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infodancer/mailfabric/internal/dmtp"
	"github.com/infodancer/mailfabric/internal/logging"
	"github.com/infodancer/mailfabric/internal/mail"
)

var (
	// ErrPoolClosed is returned by Submit after Drain was called.
	ErrPoolClosed = errors.New("delivery pool closed")
	// ErrDrainTimeout is returned by Drain when deliveries had to be cancelled.
	ErrDrainTimeout = errors.New("deliveries cancelled after drain timeout")
)

// Pool runs the deliveries submitted over one connection on a bounded
// number of workers. Submit never waits for a worker.
type Pool struct {
	engine *Engine
	ctx    context.Context
	cancel context.CancelFunc
	group  errgroup.Group
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// NewPool creates a pool with the given worker limit. Deliveries keep the
// values of ctx but not its cancellation; only Drain cancels them.
func NewPool(ctx context.Context, engine *Engine, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &Pool{
		engine: engine,
		ctx:    dctx,
		cancel: cancel,
		logger: logging.FromContext(ctx),
	}
	p.group.SetLimit(workers)
	return p
}

// Submit implements dmtp.Submitter.
func (p *Pool) Submit(m mail.Mail) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}

	p.pending.Add(1)
	go func() {
		defer p.pending.Done()
		// Go blocks while all workers are busy.
		p.group.Go(func() error {
			p.engine.Deliver(p.ctx, m)
			return nil
		})
	}()
	return nil
}

// Drain refuses further submissions and waits up to grace for running
// deliveries. When grace runs out the remaining deliveries are cancelled
// and ErrDrainTimeout is returned once they have stopped.
func (p *Pool) Drain(grace time.Duration) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		_ = p.group.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-timer.C:
		p.logger.Warn("cancelling pending deliveries", slog.Duration("grace", grace))
		p.cancel()
		<-done
		return ErrDrainTimeout
	}
}

// Submitters returns a constructor for dmtp.TransferPolicy.NewSubmitter that
// gives every connection its own Pool, drained with grace when the
// connection ends.
func (e *Engine) Submitters(workers int, grace time.Duration) func(ctx context.Context) (dmtp.Submitter, func()) {
	return func(ctx context.Context) (dmtp.Submitter, func()) {
		p := NewPool(ctx, e, workers)
		return p, func() { _ = p.Drain(grace) }
	}
}
