package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/keychainkit/keychain-go/bridge"
	"github.com/keychainkit/keychain-go/origin"
)

// originReport is the verify-origin output.
type originReport struct {
	Origin   string `json:"origin"`
	Host     string `json:"host,omitempty"`
	Verified bool   `json:"verified"`
	Source   string `json:"source"`
}

func verifyOriginCommand() *cli.Command {
	return &cli.Command{
		Name:  "verify-origin",
		Usage: "Check an origin against the allow-list, or handshake with a bridge host and check the origin it reports",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "origin",
				Usage: "Origin to check, e.g. https://shop.example.com",
			},
			&cli.StringFlag{
				Name:    "allowed",
				Usage:   "Comma separated allow-list",
				Sources: cli.EnvVars("KEYCHAIN_ALLOWED_ORIGINS"),
			},
			&cli.StringFlag{
				Name:    "bridge",
				Usage:   "Capability server URL to handshake with",
				Sources: cli.EnvVars("KEYCHAIN_BRIDGE_URL"),
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Value:   bridge.DefaultHandshakeTimeout,
				Usage:   "Handshake timeout",
				Sources: cli.EnvVars("KEYCHAIN_HANDSHAKE_TIMEOUT"),
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output in JSON format",
			},
		},
		Action: runVerifyOrigin,
	}
}

func runVerifyOrigin(ctx context.Context, cmd *cli.Command) error {
	allowed := origin.ParseAllowedOriginSet(cmd.String("allowed"))
	if allowed.Len() == 0 {
		return fmt.Errorf("--allowed or KEYCHAIN_ALLOWED_ORIGINS must be provided")
	}

	candidate, bridgeURL := cmd.String("origin"), cmd.String("bridge")
	if candidate == "" && bridgeURL == "" {
		return fmt.Errorf("either --origin or --bridge must be provided")
	}

	var (
		report originReport
		err    error
	)
	if candidate != "" {
		report = checkOrigin(candidate, allowed)
	} else {
		report, err = handshakeOrigin(ctx, bridge.NewMCPConnector(bridgeURL), allowed, cmd.Duration("timeout"))
		if err != nil {
			return err
		}
	}

	if err := writeReport(cmd.Root().Writer, report, cmd.Bool("json")); err != nil {
		return err
	}
	if !report.Verified {
		return cli.Exit("origin not allowed", 1)
	}
	return nil
}

func checkOrigin(candidate string, allowed origin.AllowedOriginSet) originReport {
	host, _ := origin.Hostname(candidate)
	return originReport{
		Origin:   candidate,
		Host:     host,
		Verified: allowed.Contains(candidate),
		Source:   "flag",
	}
}

func handshakeOrigin(ctx context.Context, connector bridge.Connector, allowed origin.AllowedOriginSet, timeout time.Duration) (originReport, error) {
	session := bridge.NewEmbeddedSession(connector, allowed,
		bridge.WithHandshakeTimeout(timeout),
		bridge.WithLogger(slog.Default()),
	)
	defer session.Close()

	if err := session.Establish(ctx); err != nil {
		return originReport{}, fmt.Errorf("bridge handshake failed: %w", err)
	}
	return originReport{
		Origin:   session.Origin(),
		Host:     session.Origin(),
		Verified: session.Verified(),
		Source:   "handshake",
	}, nil
}

func writeReport(w io.Writer, report originReport, asJSON bool) error {
	if asJSON {
		out, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal output: %w", err)
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}

	verdict := "rejected"
	if report.Verified {
		verdict = "allowed"
	}
	_, err := fmt.Fprintf(w, "%s: %s (%s)\n", report.Origin, verdict, report.Source)
	return err
}
