package checker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"proxybroker/internal/domain"

	"golang.org/x/net/proxy"
)

var errSOCKS4Unsupported = errors.New("socks4 proxies are not supported")

// newTransport builds a one-shot transport that goes through candidate, or
// connects directly when candidate is nil.
func newTransport(candidate *domain.Candidate, timeout time.Duration) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: -1,
	}

	transport := &http.Transport{
		DialContext:           dialer.DialContext,
		DisableKeepAlives:     true,
		MaxIdleConns:          0,
		MaxIdleConnsPerHost:   0,
		IdleConnTimeout:       0,
		TLSHandshakeTimeout:   timeout,
		ResponseHeaderTimeout: timeout,
		ExpectContinueTimeout: time.Second,
	}

	if candidate == nil {
		return transport, nil
	}

	switch candidate.Protocol {
	case domain.ProtocolHTTP, domain.ProtocolHTTPS, "":
		proxyURL := candidate.URL()
		proxyURL.Scheme = "http"
		transport.Proxy = http.ProxyURL(proxyURL)

	case domain.ProtocolSOCKS5:
		var auth *proxy.Auth
		if candidate.Username != "" {
			auth = &proxy.Auth{User: candidate.Username, Password: candidate.Password}
		}
		socksDialer, err := proxy.SOCKS5("tcp", candidate.Address(), auth, dialer)
		if err != nil {
			return nil, err
		}
		contextDialer, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("socks5 dialer does not support contexts")
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return contextDialer.DialContext(ctx, network, addr)
		}

	case domain.ProtocolSOCKS4:
		return nil, errSOCKS4Unsupported

	default:
		return nil, fmt.Errorf("unsupported proxy protocol %q", candidate.Protocol)
	}

	return transport, nil
}

// isProxyFailure reports whether err came from reaching the proxy itself,
// which no retry against another test URL can fix.
func isProxyFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "proxyconnect" || opErr.Op == "socks connect"
	}
	return false
}
