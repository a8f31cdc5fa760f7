package delivery

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/net/proxy"

	"github.com/infodancer/mailfabric/internal/server"
)

// NewDialer returns the dialer for outbound relay sessions: direct when
// socksAddr is empty, otherwise through the SOCKS5 proxy at socksAddr.
func NewDialer(socksAddr string, timeout time.Duration) (server.ContextDialer, error) {
	direct := &net.Dialer{Timeout: timeout}
	if socksAddr == "" {
		return direct, nil
	}

	d, err := proxy.SOCKS5("tcp", socksAddr, nil, direct)
	if err != nil {
		return nil, fmt.Errorf("socks dialer: %w", err)
	}
	cd, ok := d.(server.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer is not a context dialer")
	}
	return cd, nil
}
