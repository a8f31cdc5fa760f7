package delivery

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/infodancer/mailfabric/internal/mail"
)

// blockingRelayer tracks concurrency and blocks each relay until release
// is closed or the delivery is cancelled.
type blockingRelayer struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
	done    atomic.Int32
	started chan struct{}
}

func newBlockingRelayer() *blockingRelayer {
	return &blockingRelayer{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (r *blockingRelayer) Relay(ctx context.Context, _ string, _ mail.Mail) error {
	n := r.running.Add(1)
	defer r.running.Add(-1)
	for {
		p := r.peak.Load()
		if n <= p || r.peak.CompareAndSwap(p, n) {
			break
		}
	}
	r.started <- struct{}{}

	select {
	case <-r.release:
		r.done.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func poolEngine(rel Relayer) *Engine {
	return &Engine{
		Resolver: &mapResolver{addrs: map[string]string{"d1": "10.0.0.1:12025", "s": "10.0.0.9:12025"}},
		Relayer:  rel,
		NodeIP:   "10.0.0.5",
	}
}

func TestPoolLimitsWorkers(t *testing.T) {
	rel := newBlockingRelayer()
	p := NewPool(context.Background(), poolEngine(rel), 2)

	for i := 0; i < 5; i++ {
		if err := p.Submit(mail.New("a@d1", "x@s", "hi", "hello")); err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
	}

	// Submit must not wait for busy workers; two relays start, the rest queue.
	for i := 0; i < 2; i++ {
		select {
		case <-rel.started:
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not start")
		}
	}
	select {
	case <-rel.started:
		t.Fatal("more relays started than workers")
	case <-time.After(50 * time.Millisecond):
	}

	close(rel.release)
	if err := p.Drain(5 * time.Second); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if got := rel.done.Load(); got != 5 {
		t.Errorf("completed relays = %d, want 5", got)
	}
	if got := rel.peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestPoolDrainCancelsAfterGrace(t *testing.T) {
	rel := newBlockingRelayer()
	p := NewPool(context.Background(), poolEngine(rel), 2)

	if err := p.Submit(mail.New("a@d1", "x@s", "hi", "hello")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	<-rel.started

	err := p.Drain(20 * time.Millisecond)
	if !errors.Is(err, ErrDrainTimeout) {
		t.Errorf("Drain() error = %v, want ErrDrainTimeout", err)
	}
	if err := p.Submit(mail.New("a@d1", "x@s", "hi", "hello")); !errors.Is(err, ErrPoolClosed) {
		t.Errorf("Submit() after Drain error = %v, want ErrPoolClosed", err)
	}
}

func TestPoolOutlivesConnectionContext(t *testing.T) {
	rel := &recordingRelayer{}
	ctx, cancel := context.WithCancel(context.Background())
	p := NewPool(ctx, poolEngine(rel), 1)
	cancel()

	if err := p.Submit(mail.New("a@d1", "x@s", "hi", "hello")); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if err := p.Drain(2 * time.Second); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
	if n := len(rel.recorded()); n != 1 {
		t.Errorf("relayed %d times, want 1", n)
	}
}

func TestSubmittersGivesEachConnectionAPool(t *testing.T) {
	rel := &recordingRelayer{}
	newSubmitter := poolEngine(rel).Submitters(2, time.Second)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, release := newSubmitter(context.Background())
			_ = s.Submit(mail.New("a@d1", "x@s", "hi", "hello"))
			release()
		}()
	}
	wg.Wait()

	if n := len(rel.recorded()); n != 3 {
		t.Errorf("relayed %d times, want 3", n)
	}
}

func TestNewDialer(t *testing.T) {
	d, err := NewDialer("", time.Second)
	if err != nil {
		t.Fatalf("NewDialer() error = %v", err)
	}
	if _, ok := d.(*net.Dialer); !ok {
		t.Errorf("NewDialer(\"\") = %T, want *net.Dialer", d)
	}

	d, err = NewDialer("127.0.0.1:9050", time.Second)
	if err != nil {
		t.Fatalf("NewDialer(socks) error = %v", err)
	}
	if _, ok := d.(*net.Dialer); ok {
		t.Error("NewDialer(socks) returned a direct dialer")
	}
}
