package provider

import (
	"context"
	"net"
	"net/http"
	"time"

	utls "github.com/refraction-networking/utls"
)

// UserAgent is sent on every provider request that does not set one.
const UserAgent = "tokenvault/1.0"

const (
	defaultClientTimeout = 20 * time.Second
	dialTimeout          = 10 * time.Second
	handshakeTimeout     = 10 * time.Second
)

// NewHTTPClient returns the client used for token, profile, revoke and mail
// endpoints. With useUTLS the TLS ClientHello mimics Chrome and requests go
// over HTTP/1.1, since the uTLS connection is not handed to the HTTP/2
// transport.
func NewHTTPClient(useUTLS bool, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	t := baseTransport()
	if useUTLS {
		d := &chromeDialer{dialer: &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}}
		t.DialTLSContext = d.DialTLSContext
		t.ForceAttemptHTTP2 = false
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: userAgentTransport{base: t},
	}
}

func baseTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   handshakeTimeout,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

// chromeDialer opens TLS connections with a Chrome ClientHello.
type chromeDialer struct {
	dialer *net.Dialer
}

func (d *chromeDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}

	raw, err := d.dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}

	spec, err := http11ChromeSpec()
	if err != nil {
		raw.Close()
		return nil, err
	}
	conn := utls.UClient(raw, &utls.Config{ServerName: host}, utls.HelloCustom)
	if err := conn.ApplyPreset(&spec); err != nil {
		raw.Close()
		return nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

// http11ChromeSpec is the Chrome 120 hello with ALPN limited to http/1.1.
// Offering h2 would let the server pick a protocol net/http cannot speak
// over a custom dialed connection.
func http11ChromeSpec() (utls.ClientHelloSpec, error) {
	spec, err := utls.UTLSIdToSpec(utls.HelloChrome_120)
	if err != nil {
		return utls.ClientHelloSpec{}, err
	}
	for _, ext := range spec.Extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
		}
	}
	return spec, nil
}

type userAgentTransport struct {
	base http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", UserAgent)
	return t.base.RoundTrip(clone)
}
