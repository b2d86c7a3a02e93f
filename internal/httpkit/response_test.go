package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestProbe(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer up.Close()
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "db down", http.StatusServiceUnavailable)
	}))
	defer down.Close()

	c := NewClient(Options{Timeout: time.Second})
	if err := Probe(context.Background(), c, up.URL); err != nil {
		t.Errorf("Probe(up) = %v", err)
	}

	var se *StatusError
	if err := Probe(context.Background(), c, down.URL); !errors.As(err, &se) {
		t.Fatalf("Probe(down) = %v, want *StatusError", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Body != "db down" || se.ClientError() {
		t.Errorf("StatusError = %+v", se)
	}
	if se.Method != http.MethodGet || !strings.Contains(se.Error(), "HTTP 503: db down") {
		t.Errorf("Error() = %q", se.Error())
	}
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" || r.Header.Get("X-Token") != "t" {
			http.Error(w, "bad headers", http.StatusBadRequest)
			return
		}
		body, _ := io.ReadAll(r.Body)
		fmt.Fprintf(w, `{"echo":%s}`, body)
	}))
	defer srv.Close()

	c := NewClient(Options{})
	out, err := DoJSON(context.Background(), c, http.MethodPost, srv.URL, map[string]int{"n": 1}, map[string]string{"X-Token": "t"})
	if err != nil {
		t.Fatalf("DoJSON: %v", err)
	}
	if string(out) != `{"echo":{"n":1}}` {
		t.Errorf("body = %s", out)
	}

	_, err = DoJSON(context.Background(), c, http.MethodPost, srv.URL, nil, nil)
	var se *StatusError
	if !errors.As(err, &se) || !se.ClientError() {
		t.Errorf("err = %v, want a 4xx StatusError", err)
	}
}

func TestDoJSONUnencodable(t *testing.T) {
	_, err := DoJSON(context.Background(), NewClient(Options{}), http.MethodPost, "http://hub.invalid", make(chan int), nil)
	if err == nil || !strings.Contains(err.Error(), "encode") {
		t.Errorf("err = %v, want encode error", err)
	}
}

func TestErrorBody(t *testing.T) {
	if got := ErrorBody(io.NopCloser(strings.NewReader("  oops \n"))); got != "oops" {
		t.Errorf("ErrorBody = %q", got)
	}
	long := strings.Repeat("x", errorBodyLimit+100)
	if got := ErrorBody(io.NopCloser(strings.NewReader(long))); len(got) != errorBodyLimit {
		t.Errorf("len = %d, want %d", len(got), errorBodyLimit)
	}
	if got := ErrorBody(nil); got != "" {
		t.Errorf("nil body = %q", got)
	}
}
