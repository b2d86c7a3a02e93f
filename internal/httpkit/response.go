package httpkit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// errorBodyLimit caps how much of a failed response is kept.
const errorBodyLimit = 4 << 10

// StatusError is a non-2xx answer.
type StatusError struct {
	Method string
	URL    string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: HTTP %d", e.Method, e.URL, e.Code)
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

// ClientError reports a 4xx: repeating the same request will not help.
func (e *StatusError) ClientError() bool { return e.Code/100 == 4 }

// CheckStatus passes 2xx responses through untouched. For anything else
// it closes the body and returns a *StatusError holding its head.
func CheckStatus(resp *http.Response) error {
	if resp.StatusCode/100 == 2 {
		return nil
	}
	se := &StatusError{Code: resp.StatusCode, Body: ErrorBody(resp.Body)}
	if resp.Request != nil {
		se.Method = resp.Request.Method
		se.URL = resp.Request.URL.Redacted()
	}
	return se
}

// Probe GETs url and returns nil for a 2xx answer.
func Probe(ctx context.Context, c *http.Client, url string) error {
	_, err := do(ctx, c, http.MethodGet, url, nil, nil, false)
	return err
}

// DoJSON sends v, if not nil, as a JSON body and returns the body of a
// 2xx response. headers are set as given.
func DoJSON(ctx context.Context, c *http.Client, method, url string, v any, headers map[string]string) ([]byte, error) {
	var body []byte
	if v != nil {
		var err error
		if body, err = json.Marshal(v); err != nil {
			return nil, fmt.Errorf("encode %s %s: %w", method, url, err)
		}
	}
	return do(ctx, c, method, url, body, headers, true)
}

func do(ctx context.Context, c *http.Client, method, url string, body []byte, headers map[string]string, read bool) ([]byte, error) {
	var rd io.Reader = http.NoBody
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if read {
		req.Header.Set("Accept", "application/json")
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if err := CheckStatus(resp); err != nil {
		return nil, err
	}
	if !read {
		Discard(resp.Body)
		return nil, nil
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

// Discard drains a bounded amount of rc and closes it, letting the
// connection go back to the pool.
func Discard(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.CopyN(io.Discard, rc, 64<<10)
	_ = rc.Close()
}

// ErrorBody returns the trimmed head of rc for use in error messages and
// discards the rest.
func ErrorBody(rc io.ReadCloser) string {
	if rc == nil {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(rc, errorBodyLimit))
	Discard(rc)
	if err != nil {
		return "unreadable body: " + err.Error()
	}
	return string(bytes.TrimSpace(head))
}
