package httpkit

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNewClientTimeout(t *testing.T) {
	tests := []struct {
		in, want time.Duration
	}{
		{0, 30 * time.Second},
		{2 * time.Second, 2 * time.Second},
		{-1, 0},
	}
	for _, tt := range tests {
		if got := NewClient(Options{Timeout: tt.in}).Timeout; got != tt.want {
			t.Errorf("Timeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get("User-Agent"))
	}))
	defer srv.Close()

	agent := func(c *http.Client, preset string) string {
		t.Helper()
		req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
		if preset != "" {
			req.Header.Set("User-Agent", preset)
		}
		resp, err := c.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return string(b)
	}

	if got := agent(NewClient(Options{}), ""); !strings.HasPrefix(got, "semhub/") {
		t.Errorf("default agent = %q", got)
	}
	if got := agent(NewClient(Options{UserAgent: "hubctl/1"}), ""); got != "hubctl/1" {
		t.Errorf("configured agent = %q", got)
	}
	if got := agent(NewClient(Options{}), "caller/2"); got != "caller/2" {
		t.Errorf("request agent replaced: %q", got)
	}
}

// scriptedTransport fails the first n calls with err.
type scriptedTransport struct {
	n     int
	err   error
	calls int
	seen  []string
}

func (s *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	s.calls++
	if req.Body != nil {
		b, _ := io.ReadAll(req.Body)
		s.seen = append(s.seen, string(b))
	}
	if s.calls <= s.n {
		return nil, s.err
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Request: req}, nil
}

func connectErr(errno syscall.Errno) error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
}

func TestRedial(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
		wantErr   bool
	}{
		{"refused then ok", 1, connectErr(syscall.ECONNREFUSED), 2, false},
		{"first try ok", 0, nil, 1, false},
		{"gives up", 10, connectErr(syscall.EHOSTUNREACH), 3, true},
		{"reset is final", 1, connectErr(syscall.ECONNRESET), 1, true},
		{"tls error is final", 1, errors.New("tls: bad certificate"), 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &scriptedTransport{n: tt.failures, err: tt.err}
			rt := &redialTransport{next: st, retries: 2, delay: time.Millisecond}
			req, _ := http.NewRequest(http.MethodGet, "http://hub.invalid", nil)
			_, err := rt.RoundTrip(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if st.calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", st.calls, tt.wantCalls)
			}
		})
	}
}

func TestRedialRewindsBody(t *testing.T) {
	st := &scriptedTransport{n: 1, err: connectErr(syscall.ECONNREFUSED)}
	rt := &redialTransport{next: st, retries: 2, delay: time.Millisecond}
	req, _ := http.NewRequest(http.MethodPost, "http://hub.invalid", strings.NewReader(`{"n":1}`))
	if _, err := rt.RoundTrip(req); err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if len(st.seen) != 2 || st.seen[1] != `{"n":1}` {
		t.Errorf("bodies sent = %q, want the payload twice", st.seen)
	}

	st = &scriptedTransport{n: 1, err: connectErr(syscall.ECONNREFUSED)}
	rt.next = st
	req, _ = http.NewRequest(http.MethodPost, "http://hub.invalid", strings.NewReader(`{}`))
	req.GetBody = nil
	if _, err := rt.RoundTrip(req); err == nil || st.calls != 1 {
		t.Errorf("one-shot body: err=%v calls=%d, want failure after one call", err, st.calls)
	}
}

func TestRedialStopsOnContext(t *testing.T) {
	st := &scriptedTransport{n: 10, err: connectErr(syscall.ECONNREFUSED)}
	rt := &redialTransport{next: st, retries: 5, delay: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "http://hub.invalid", nil)
	if _, err := rt.RoundTrip(req); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want deadline exceeded", err)
	}
	if st.calls != 1 {
		t.Errorf("calls = %d, want 1", st.calls)
	}
}
