// Package metrics provides interfaces and implementations for collecting
// mail fabric metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording node metrics.
// The protocol label is one of "dmtp", "dmap" or "smtp".
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)

	// Command metrics (no arguments, too granular)
	CommandProcessed(protocol string, command string)

	// Secure channel metrics
	HandshakeCompleted(success bool)

	// Authentication metrics (mailbox domain)
	AuthAttempt(domain string, success bool)

	// Storage metrics (mailbox domain)
	MessageStored(domain string)

	// Delivery metrics (recipient domain first)
	// result should be "success", "unresolved", or "failure"
	DeliveryCompleted(recipientDomain string, result string)
	// result should be "sent" or "failed"
	BounceSent(result string)

	// Directory metrics
	DirectoryRequest(method string, result string)

	// Usage datagram metrics
	UsageSent()
	UsageReceived()
	UsageDropped()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
