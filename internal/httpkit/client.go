// Package httpkit builds the hub's outbound HTTP clients. Failover
// probes, webhook addons and hubctl all go through NewClient so every
// call carries bounded dial and header timeouts plus a semhub
// User-Agent.
package httpkit

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/semantest/docs-sub005/internal/buildinfo"
)

const defaultTimeout = 30 * time.Second

// Options configures NewClient. The zero value is a usable client with
// a 30s overall timeout and no retries.
type Options struct {
	// Timeout bounds the whole request. Negative disables it.
	Timeout time.Duration
	// UserAgent replaces the default when set. A User-Agent already on
	// the request always wins.
	UserAgent string
	// Transport replaces the pooled transport.
	Transport http.RoundTripper
	// Retries is how many times a request that never reached the server
	// is tried again. The delay doubles after each try.
	Retries    int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// PooledTransport returns the transport NewClient uses by default.
func PooledTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		ForceAttemptHTTP2:     true,
	}
}

// NewClient builds an *http.Client from opts.
func NewClient(opts Options) *http.Client {
	timeout := opts.Timeout
	switch {
	case timeout == 0:
		timeout = defaultTimeout
	case timeout < 0:
		timeout = 0
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = buildinfo.UserAgent()
	}
	var rt http.RoundTripper = opts.Transport
	if rt == nil {
		rt = PooledTransport()
	}
	rt = agentTransport{next: rt, agent: ua}
	if opts.Retries > 0 {
		delay := opts.RetryDelay
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		rt = &redialTransport{next: rt, retries: opts.Retries, delay: delay, logger: opts.Logger}
	}
	return &http.Client{Timeout: timeout, Transport: rt}
}

type agentTransport struct {
	next  http.RoundTripper
	agent string
}

func (t agentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if _, set := req.Header["User-Agent"]; set {
		return t.next.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	r.Header.Set("User-Agent", t.agent)
	return t.next.RoundTrip(r)
}

// redialTransport repeats requests whose connection was never
// established. Anything that may have reached the server is returned
// as is.
type redialTransport struct {
	next    http.RoundTripper
	retries int
	delay   time.Duration
	logger  *slog.Logger
}

func (t *redialTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	rewindable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	delay := t.delay

	resp, err := t.next.RoundTrip(req)
	for try := 1; try <= t.retries && err != nil && neverConnected(err) && rewindable; try++ {
		if t.logger != nil {
			t.logger.Debug("redialing after connect failure",
				"url", req.URL.Redacted(), "try", try, "delay", delay, "error", err)
		}
		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(delay):
		}
		delay *= 2

		again := req.Clone(req.Context())
		if req.GetBody != nil {
			if again.Body, err = req.GetBody(); err != nil {
				return nil, fmt.Errorf("rewind request body: %w", err)
			}
		}
		resp, err = t.next.RoundTrip(again)
	}
	return resp, err
}

// neverConnected reports connect-phase failures. A reset is not one:
// the server may already have acted on the request.
func neverConnected(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENETUNREACH)
}
