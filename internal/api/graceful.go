package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tokenvault/tokenvault/internal/config"
)

// maxHeaderBytes caps request headers. Requests carry one bearer key and a
// JSON body, nothing that needs the net/http default of 1 MiB.
const maxHeaderBytes = 64 << 10

// NewHTTPServer returns a server with bounded read, write and idle times.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    maxHeaderBytes,
	}
}

// NewHTTPSServer loads the key pair named in cfg. TLS 1.3 is required unless
// MinVersion is "1.2".
func NewHTTPSServer(addr string, cfg config.TLSConfig, handler http.Handler) (*http.Server, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	minVersion, err := tlsVersion(cfg.MinVersion)
	if err != nil {
		return nil, err
	}

	srv := NewHTTPServer(addr, handler)
	srv.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}
	return srv, nil
}

func tlsVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3":
		return tls.VersionTLS13, nil
	case "1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported TLS min_version %q", v)
	}
}

// SetupSignalHandler delivers SIGINT and SIGTERM on the returned channel.
// Callers release it with signal.Stop.
func SetupSignalHandler() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// Shutdownable is a component released after the HTTP server stops.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// ShutdownFunc adapts a function to Shutdownable.
type ShutdownFunc func(ctx context.Context) error

func (f ShutdownFunc) Shutdown(ctx context.Context) error {
	return f(ctx)
}

// ShutdownWithComponents drains srv and then shuts down every component,
// all within one timeout. Components run even when the drain fails so the
// token store is always closed; every failure is returned joined.
func ShutdownWithComponents(srv *http.Server, timeout time.Duration, components []Shutdownable) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	for i, comp := range components {
		if err := comp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("component %d: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
