package server

import (
	"sync"
	"sync/atomic"
)

// Registry tracks the live connections of a node so shutdown can close
// every one of them, including connections blocked in a read.
type Registry struct {
	conns sync.Map // *Connection -> struct{}
	count atomic.Int64
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add records a live connection.
func (r *Registry) Add(c *Connection) {
	if _, loaded := r.conns.LoadOrStore(c, struct{}{}); !loaded {
		r.count.Add(1)
	}
}

// Remove forgets a connection. Removing an unknown connection is a no-op.
func (r *Registry) Remove(c *Connection) {
	if _, loaded := r.conns.LoadAndDelete(c); loaded {
		r.count.Add(-1)
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// CloseAll closes every registered connection and returns how many it closed.
// Connections stay registered until their handler removes them.
func (r *Registry) CloseAll() int {
	closed := 0
	r.conns.Range(func(key, _ any) bool {
		c := key.(*Connection)
		if !c.IsClosed() {
			_ = c.Close()
			closed++
		}
		return true
	})
	return closed
}
