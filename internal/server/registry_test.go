package server

import "testing"

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	a := NewConnection(newMockConn(), ConnectionConfig{})
	b := NewConnection(newMockConn(), ConnectionConfig{})

	r.Add(a)
	r.Add(a)
	r.Add(b)
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}

	r.Remove(a)
	r.Remove(a)
	if r.Len() != 1 {
		t.Errorf("Len() after remove = %d, want 1", r.Len())
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	a := NewConnection(newMockConn(), ConnectionConfig{})
	b := NewConnection(newMockConn(), ConnectionConfig{})
	r.Add(a)
	r.Add(b)

	_ = b.Close()

	if n := r.CloseAll(); n != 1 {
		t.Errorf("CloseAll() = %d, want 1 (one was already closed)", n)
	}
	if !a.IsClosed() {
		t.Error("expected connection a to be closed")
	}
}
