package metrics

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened(protocol string)                        {}
func (n *NoopCollector) ConnectionClosed(protocol string)                        {}
func (n *NoopCollector) CommandProcessed(protocol string, command string)        {}
func (n *NoopCollector) HandshakeCompleted(success bool)                         {}
func (n *NoopCollector) AuthAttempt(domain string, success bool)                 {}
func (n *NoopCollector) MessageStored(domain string)                             {}
func (n *NoopCollector) DeliveryCompleted(recipientDomain string, result string) {}
func (n *NoopCollector) BounceSent(result string)                                {}
func (n *NoopCollector) DirectoryRequest(method string, result string)           {}
func (n *NoopCollector) UsageSent()                                              {}
func (n *NoopCollector) UsageReceived()                                          {}
func (n *NoopCollector) UsageDropped()                                           {}
