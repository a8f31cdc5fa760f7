package usage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func TestParse(t *testing.T) {
	tests := []struct {
		line    string
		server  string
		address string
		ok      bool
	}{
		{"127.0.0.1:11025 zaphod@univer.ze", "127.0.0.1:11025", "zaphod@univer.ze", true},
		{"10.0.0.5:1 a@b", "10.0.0.5:1", "a@b", true},
		{"localhost:11025 a@b", "", "", false},
		{"127.0.0.1 a@b", "", "", false},
		{"127.0.0.1:11025 nobody", "", "", false},
		{"127.0.0.1:11025  a@b", "", "", false},
		{"127.0.0.1:11025 a@b extra", "", "", false},
		{"", "", "", false},
	}
	for _, tt := range tests {
		server, address, ok := Parse(tt.line)
		if ok != tt.ok || server != tt.server || address != tt.address {
			t.Errorf("Parse(%q) = %q, %q, %v; want %q, %q, %v",
				tt.line, server, address, ok, tt.server, tt.address, tt.ok)
		}
	}
}

// storeContract exercises the ordering guarantees of a Store.
func storeContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	adds := [][2]string{
		{"10.0.0.1:11025", "arthur@earth.planet"},
		{"10.0.0.2:11025", "zaphod@univer.ze"},
		{"10.0.0.2:11025", "zaphod@univer.ze"},
		{"10.0.0.2:11025", "arthur@earth.planet"},
		{"10.0.0.3:11025", "zaphod@univer.ze"},
	}
	for _, a := range adds {
		if err := s.Add(ctx, a[0], a[1]); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	servers, err := s.Servers(ctx)
	if err != nil {
		t.Fatalf("Servers() error = %v", err)
	}
	wantServers := []string{"10.0.0.2:11025 3", "10.0.0.1:11025 1", "10.0.0.3:11025 1"}
	assertCounts(t, "Servers()", servers, wantServers)

	addresses, err := s.Addresses(ctx)
	if err != nil {
		t.Fatalf("Addresses() error = %v", err)
	}
	assertCounts(t, "Addresses()", addresses, []string{"zaphod@univer.ze 3", "arthur@earth.planet 2"})
}

func assertCounts(t *testing.T, name string, got []Count, want []string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s = %v, want %q", name, got, want)
	}
	for i := range want {
		if got[i].String() != want[i] {
			t.Errorf("%s[%d] = %q, want %q", name, i, got[i].String(), want[i])
		}
	}
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisStore(context.Background(), RedisConfig{Addr: mr.Addr(), KeyPrefix: "test:usage"})
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer s.Close()

	storeContract(t, s)

	if got := mr.HGet("test:usage:servers", "10.0.0.2:11025"); got != "3" {
		t.Errorf("servers hash = %q, want 3", got)
	}
}

func TestRedisStoreUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewRedisStore(ctx, RedisConfig{Addr: addr}); err == nil {
		t.Error("NewRedisStore() should fail without a server")
	}
}

func TestSenderToCollector(t *testing.T) {
	store := NewMemoryStore()
	c, err := Listen("127.0.0.1:0", store, nil, nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx) }()

	s, err := NewSender(c.Addr().String())
	if err != nil {
		t.Fatalf("NewSender() error = %v", err)
	}
	defer s.Close()

	if err := s.Send("127.0.0.1:11025", "zaphod@univer.ze"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := s.Send("not a server", "zaphod@univer.ze"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := s.Send("127.0.0.1:11025", "arthur@earth.planet"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		addresses, _ := store.Addresses(context.Background())
		if len(addresses) == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("collected %v, want two addresses", addresses)
		}
		time.Sleep(10 * time.Millisecond)
	}

	servers, _ := store.Servers(context.Background())
	assertCounts(t, "Servers()", servers, []string{"127.0.0.1:11025 2"})

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}
