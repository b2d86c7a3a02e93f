// Hubctl is the command-line client for a running semhub's admin API.
//
// Usage:
//
//	hubctl health
//	hubctl jobs submit --type images:download:request --payload '{"url":"..."}' --wait 30s
//	hubctl jobs list --status pending
//	hubctl deadletters requeue <id>
//	hubctl addons reload <name>
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/semantest/docs-sub005/internal/buildinfo"
	"github.com/semantest/docs-sub005/internal/httpkit"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "hubctl: %s\n", err)
		os.Exit(1)
	}
}

// client calls the admin API and pretty-prints JSON answers.
type client struct {
	base string
	http *http.Client
	out  io.Writer
}

func clientFrom(c *cli.Context) *client {
	return &client{
		base: strings.TrimSuffix(c.String("server"), "/"),
		http: httpkit.NewClient(httpkit.Options{Timeout: c.Duration("timeout")}),
		out:  c.App.Writer,
	}
}

func (cl *client) call(ctx context.Context, method, path string, body any) error {
	data, err := httpkit.DoJSON(ctx, cl.http, method, cl.base+path, body, nil)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "", "  "); err != nil {
		_, err = cl.out.Write(data)
		return err
	}
	buf.WriteByte('\n')
	_, err = buf.WriteTo(cl.out)
	return err
}

func get(path string) cli.ActionFunc {
	return func(c *cli.Context) error {
		return clientFrom(c).call(c.Context, http.MethodGet, path, nil)
	}
}

// withArg builds an action for a path template holding one %s for the
// first positional argument.
func withArg(method, template, argName string) cli.ActionFunc {
	return func(c *cli.Context) error {
		arg := c.Args().First()
		if arg == "" {
			return fmt.Errorf("missing <%s>", argName)
		}
		return clientFrom(c).call(c.Context, method, fmt.Sprintf(template, url.PathEscape(arg)), nil)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "hubctl",
		Usage:   "inspect and operate a running semhub",
		Version: buildinfo.Version,
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Aliases: []string{"s"},
				Usage:   "base URL of the hub's admin API",
				Value:   "http://localhost:8080",
				EnvVars: []string{"SEMHUB_URL"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "request timeout",
				Value: 90 * time.Second,
			},
		},
		Commands: []*cli.Command{
			{Name: "health", Usage: "show component health", Action: get("/health")},
			{Name: "version", Usage: "show the hub's build information", Action: get("/v1/version")},
			jobsCmd(),
			deadLettersCmd(),
			addonsCmd(),
			{Name: "failover", Usage: "show the active route and endpoint health", Action: get("/v1/failover")},
			{
				Name:  "connections",
				Usage: "list or show client connections",
				Subcommands: []*cli.Command{
					{Name: "list", Action: get("/v1/connections")},
					{Name: "get", ArgsUsage: "<id>", Action: withArg(http.MethodGet, "/v1/connections/%s", "id")},
				},
			},
			{
				Name:  "router",
				Usage: "routing statistics and decisions",
				Subcommands: []*cli.Command{
					{Name: "stats", Action: get("/v1/router/stats")},
					{Name: "audit", Action: get("/v1/router/audit")},
					{Name: "explain", ArgsUsage: "<envelope-id>", Action: withArg(http.MethodGet, "/v1/router/explain/%s", "envelope-id")},
				},
			},
		},
	}
}

func jobsCmd() *cli.Command {
	return &cli.Command{
		Name:  "jobs",
		Usage: "submit, list, inspect and cancel jobs",
		Subcommands: []*cli.Command{
			{
				Name:  "submit",
				Usage: "enqueue a job",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "type", Aliases: []string{"t"}, Required: true, Usage: "envelope type, domain:entity:action"},
					&cli.StringFlag{Name: "priority", Aliases: []string{"p"}, Usage: "high, normal or low"},
					&cli.StringFlag{Name: "payload", Value: "{}", Usage: "JSON payload"},
					&cli.StringFlag{Name: "key", Usage: "idempotency key"},
					&cli.IntFlag{Name: "attempts", Usage: "max attempts (0 = hub default)"},
					&cli.DurationFlag{Name: "wait", Usage: "wait for the job to finish"},
				},
				Action: submitJob,
			},
			{
				Name:  "list",
				Usage: "list jobs by status",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "status", Value: "pending"},
					&cli.IntFlag{Name: "limit", Value: 100},
				},
				Action: func(c *cli.Context) error {
					q := url.Values{}
					q.Set("status", c.String("status"))
					q.Set("limit", fmt.Sprint(c.Int("limit")))
					return clientFrom(c).call(c.Context, http.MethodGet, "/v1/jobs?"+q.Encode(), nil)
				},
			},
			{Name: "get", ArgsUsage: "<id>", Action: withArg(http.MethodGet, "/v1/jobs/%s", "id")},
			{Name: "cancel", ArgsUsage: "<id>", Action: withArg(http.MethodDelete, "/v1/jobs/%s", "id")},
		},
	}
}

func submitJob(c *cli.Context) error {
	payload := json.RawMessage(c.String("payload"))
	if !json.Valid(payload) {
		return fmt.Errorf("--payload is not valid JSON")
	}
	body := map[string]any{
		"type":    c.String("type"),
		"payload": payload,
	}
	if p := c.String("priority"); p != "" {
		body["priority"] = p
	}
	if k := c.String("key"); k != "" {
		body["idempotencyKey"] = k
	}
	if n := c.Int("attempts"); n > 0 {
		body["maxAttempts"] = n
	}
	path := "/v1/jobs"
	if w := c.Duration("wait"); w > 0 {
		path += "?wait=" + w.String()
	}
	return clientFrom(c).call(c.Context, http.MethodPost, path, body)
}

func deadLettersCmd() *cli.Command {
	return &cli.Command{
		Name:  "deadletters",
		Usage: "inspect and requeue dead-lettered jobs",
		Subcommands: []*cli.Command{
			{Name: "list", Action: get("/v1/deadletters")},
			{Name: "requeue", ArgsUsage: "<id>", Action: withArg(http.MethodPost, "/v1/deadletters/%s/requeue", "id")},
		},
	}
}

func addonsCmd() *cli.Command {
	cmd := &cli.Command{
		Name:  "addons",
		Usage: "inspect and control addons",
		Subcommands: []*cli.Command{
			{Name: "list", Action: get("/v1/addons")},
			{Name: "get", ArgsUsage: "<name>", Action: withArg(http.MethodGet, "/v1/addons/%s", "name")},
		},
	}
	for _, action := range []string{"load", "unload", "reload"} {
		cmd.Subcommands = append(cmd.Subcommands, &cli.Command{
			Name:      action,
			ArgsUsage: "<name>",
			Action:    withArg(http.MethodPost, "/v1/addons/%s/"+action, "name"),
		})
	}
	return cmd
}
