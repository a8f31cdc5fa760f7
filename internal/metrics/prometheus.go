package metrics

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal  *prometheus.CounterVec
	connectionsActive *prometheus.GaugeVec

	commandsTotal   *prometheus.CounterVec
	handshakesTotal *prometheus.CounterVec
	authTotal       *prometheus.CounterVec
	storedTotal     *prometheus.CounterVec

	// Delivery metrics
	deliveriesTotal *prometheus.CounterVec
	bouncesTotal    *prometheus.CounterVec

	directoryTotal *prometheus.CounterVec

	// Usage datagrams
	usageTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_connections_total",
			Help: "Total number of protocol connections opened.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mailfabric_connections_active",
			Help: "Number of currently active protocol connections.",
		}, []string{"protocol"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "command"}),
		handshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_handshakes_total",
			Help: "Total number of secure channel handshakes.",
		}, []string{"result"}),
		authTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_auth_attempts_total",
			Help: "Total number of mailbox login attempts.",
		}, []string{"domain", "result"}),
		storedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_messages_stored_total",
			Help: "Total number of messages stored in mailboxes.",
		}, []string{"domain"}),

		deliveriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_deliveries_total",
			Help: "Total number of per-domain delivery attempts.",
		}, []string{"recipient_domain", "result"}),
		bouncesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_bounces_total",
			Help: "Total number of bounce messages attempted.",
		}, []string{"result"}),

		directoryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_directory_requests_total",
			Help: "Total number of directory requests served.",
		}, []string{"method", "result"}),

		usageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mailfabric_usage_datagrams_total",
			Help: "Total number of usage datagrams by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.commandsTotal,
		c.handshakesTotal,
		c.authTotal,
		c.storedTotal,
		c.deliveriesTotal,
		c.bouncesTotal,
		c.directoryTotal,
		c.usageTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(protocol string, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

// HandshakeCompleted records the outcome of a secure channel handshake.
func (c *PrometheusCollector) HandshakeCompleted(success bool) {
	c.handshakesTotal.WithLabelValues(resultLabel(success)).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(domain string, success bool) {
	c.authTotal.WithLabelValues(domain, resultLabel(success)).Inc()
}

// MessageStored increments the stored message counter.
func (c *PrometheusCollector) MessageStored(domain string) {
	c.storedTotal.WithLabelValues(domain).Inc()
}

// DeliveryCompleted increments the delivery counter.
func (c *PrometheusCollector) DeliveryCompleted(recipientDomain string, result string) {
	c.deliveriesTotal.WithLabelValues(recipientDomain, result).Inc()
}

// BounceSent increments the bounce counter.
func (c *PrometheusCollector) BounceSent(result string) {
	c.bouncesTotal.WithLabelValues(result).Inc()
}

// DirectoryRequest increments the directory request counter.
func (c *PrometheusCollector) DirectoryRequest(method string, result string) {
	c.directoryTotal.WithLabelValues(method, result).Inc()
}

func (c *PrometheusCollector) UsageSent()     { c.usageTotal.WithLabelValues("sent").Inc() }
func (c *PrometheusCollector) UsageReceived() { c.usageTotal.WithLabelValues("received").Inc() }
func (c *PrometheusCollector) UsageDropped()  { c.usageTotal.WithLabelValues("dropped").Inc() }

func resultLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}

// PrometheusServer implements the Server interface and serves Prometheus metrics
// over HTTP.
type PrometheusServer struct {
	server *http.Server
}

// NewPrometheusServer creates a new PrometheusServer that will serve the
// metrics of gatherer at the specified address and path.
func NewPrometheusServer(address, path string, gatherer prometheus.Gatherer) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &PrometheusServer{
		server: &http.Server{
			Addr:    address,
			Handler: mux,
		},
	}
}

// Start begins serving metrics. It blocks until the context is canceled
// or an error occurs. Returns nil when the server is shut down gracefully.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
