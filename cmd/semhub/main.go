// Semhub is an event-driven coordination hub. Clients connect over
// WebSocket and exchange envelopes on a shared bus; work is routed to
// addons through a persistent priority job queue, and traffic fails
// over between local and cloud tiers.
//
// Usage:
//
//	semhub [--config path] serve
//	semhub init [dir]
//	semhub hash-token [token]
//	semhub -o json version
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/semantest/docs-sub005/internal/buildinfo"
	"github.com/semantest/docs-sub005/internal/config"
	"github.com/semantest/docs-sub005/internal/gateway"
)

func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Stdin, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "semhub: %s\n", err)
		os.Exit(1)
	}
}

// run executes one command line against the given streams. Logs go to
// stdout; errors are returned, never turned into an exit.
func run(ctx context.Context, stdout, stderr io.Writer, stdin io.Reader, args []string) error {
	app := &cli.App{
		Name:        "semhub",
		Usage:       "event-driven coordination hub",
		Description: "Config search order: " + strings.Join(config.DefaultSearchPaths(), ", "),
		HideVersion: true,
		Writer:      stdout,
		ErrWriter:   stderr,
		Reader:      stdin,
		// Errors are returned to main instead of exiting inside the app.
		ExitErrHandler: func(*cli.Context, error) {},
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "path to config file (default: search)"},
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: "output format: text or json", Value: "text"},
		},
		Commands: []*cli.Command{
			{
				Name:  "serve",
				Usage: "start the hub",
				Action: func(c *cli.Context) error {
					return runServe(c.Context, c.App.Writer, c.String("config"))
				},
			},
			{
				Name:      "init",
				Usage:     "write an example config.yaml and data directory",
				ArgsUsage: "[dir]",
				Action: func(c *cli.Context) error {
					dir := c.Args().First()
					if dir == "" {
						dir = "."
					}
					return runInit(c.App.Writer, dir)
				},
			},
			{
				Name:      "hash-token",
				Usage:     "print the bcrypt hash of a client token for gateway.tokens",
				ArgsUsage: "[token] (or the first line of stdin)",
				Action: func(c *cli.Context) error {
					return runHashToken(c.App.Writer, c.App.Reader, c.Args().First())
				},
			},
			{
				Name:  "version",
				Usage: "show version information",
				Action: func(c *cli.Context) error {
					return runVersion(c.App.Writer, c.String("output"))
				},
			},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Present() {
				return fmt.Errorf("unknown command: %s", c.Args().First())
			}
			return cli.ShowAppHelp(c)
		},
	}
	return app.RunContext(ctx, append([]string{"semhub"}, args...))
}

// runVersion prints build metadata as a banner plus fields, or as JSON.
func runVersion(w io.Writer, format string) error {
	info := buildinfo.Get()
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	case "text":
	default:
		return fmt.Errorf("unknown output format: %q (expected text or json)", format)
	}
	fmt.Fprintln(w, info)
	for _, f := range [][2]string{
		{"commit", info.Commit},
		{"branch", info.Branch},
		{"built", info.BuildTime},
		{"go_version", info.Go},
		{"platform", info.Platform},
	} {
		fmt.Fprintf(w, "  %-11s %s\n", f[0]+":", f[1])
	}
	return nil
}

// runHashToken prints the hash to paste into gateway.tokens. Reading
// the token from stdin keeps it out of shell history.
func runHashToken(w io.Writer, stdin io.Reader, token string) error {
	if token == "" && stdin != nil {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read token: %w", err)
		}
		token = strings.TrimSpace(line)
	}
	if token == "" {
		return errors.New("no token: pass it as an argument or on stdin")
	}
	hash, err := gateway.HashToken(token)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Fprintln(w, hash)
	return nil
}

// newLogger builds the process logger. Any format other than "json"
// gives text output.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig finds and parses the configuration file. An explicit path
// must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
