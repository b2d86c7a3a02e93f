package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestRunVersion(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil, []string{"version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.Contains(out.String(), "go_version:") {
		t.Errorf("text output missing go_version:\n%s", out.String())
	}
}

func TestRunVersionJSON(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, nil, []string{"-o", "json", "version"}); err != nil {
		t.Fatalf("version: %v", err)
	}
	var info map[string]string
	if err := json.Unmarshal(out.Bytes(), &info); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out.String())
	}
	if info["version"] == "" {
		t.Errorf("version missing: %v", info)
	}
}

func TestRunArgumentErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"unknown command", []string{"launch"}, "unknown command"},
		{"unknown flag", []string{"-verbose", "serve"}, "flag provided but not defined"},
		{"bad output", []string{"-o=yaml", "version"}, "unknown output format"},
		{"missing config", []string{"-config", "/nonexistent/semhub.yaml", "serve"}, "config file not found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			err := run(context.Background(), &out, &out, nil, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("run(%v) = %v, want error containing %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestRunUsage(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{nil, {"--help"}} {
		var out bytes.Buffer
		if err := run(context.Background(), &out, &out, nil, args); err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out.String(), "hash-token") {
			t.Errorf("usage missing commands:\n%s", out.String())
		}
	}
}

func TestHashToken(t *testing.T) {
	t.Parallel()

	const token = "a-long-enough-client-token"
	tests := []struct {
		name  string
		args  []string
		stdin string
	}{
		{"argument", []string{"hash-token", token}, ""},
		{"stdin", []string{"hash-token"}, token + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			if err := run(context.Background(), &out, &out, strings.NewReader(tt.stdin), tt.args); err != nil {
				t.Fatalf("hash-token: %v", err)
			}
			hash := strings.TrimSpace(out.String())
			if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)); err != nil {
				t.Errorf("hash does not verify: %v", err)
			}
		})
	}
}

func TestHashTokenRejectsEmptyAndShort(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := run(context.Background(), &out, &out, strings.NewReader(""), []string{"hash-token"}); err == nil {
		t.Error("empty token accepted")
	}
	if err := run(context.Background(), &out, &out, nil, []string{"hash-token", "short"}); err == nil {
		t.Error("short token accepted")
	}
}
