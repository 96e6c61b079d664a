package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/spf13/cobra"
)

const version = "1.2.0"

// exitError carries a process exit code out of a cobra command.
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return ExitSetupFailed
	}
	return ExitOK
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:           "pbiexport --group-id <workspace-id> [--output <dir>]",
		Short:         "Download all PBIX reports from a Power BI workspace",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, err := LoadConfig(cmd.Flags(), &opts)
			if err != nil {
				return err
			}
			return execute(cmd.Context(), config, stdout, stderr)
		},
	}
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	cmd.SetVersionTemplate("Power BI Report Exporter v{{.Version}}\n")
	opts.register(cmd.Flags())
	return cmd
}

// execute runs the mode selected by config.
func execute(ctx context.Context, config Config, stdout, stderr io.Writer) error {
	logger := newLogger(config.LogLevel, config.LogJSON, stderr)
	slog.SetDefault(logger)
	forwardSDKLogs(logger)

	if config.ShowHistory {
		return showHistory(ctx, config, stdout)
	}

	cred, err := newCredential(config)
	if err != nil {
		fmt.Fprintf(stderr, "Auth error: %v\n", err)
		return &exitError{code: ExitSetupFailed}
	}

	if config.HealthCheck {
		if code := runHealthCheck(ctx, cred, stdout, stderr); code != ExitOK {
			return &exitError{code: code}
		}
		return nil
	}

	client := NewPowerBIClient(config.APIURL, time.Duration(config.RequestTimeout), nil)
	downloader := NewDownloader(client, time.Duration(config.ReportTimeout), logger)

	exporterOpts := []ExporterOption{
		WithOutput(stdout, stderr),
		WithLogger(logger),
		WithExportInterval(time.Duration(config.ExportInterval)),
	}
	if config.HistoryDB != "" {
		history, err := OpenHistory(ctx, config.HistoryDB)
		if err != nil {
			logger.Warn("run history disabled", slog.Any("error", err))
		} else {
			defer history.Close()
			exporterOpts = append(exporterOpts, WithRecorder(history))
		}
	}

	exporter := NewExporter(cred, client, downloader, exporterOpts...)
	if code := exporter.Run(ctx, config.GroupID, config.OutputDir); code != ExitOK {
		return &exitError{code: code}
	}
	return nil
}

// runHealthCheck acquires a token and prints what it grants.
func runHealthCheck(ctx context.Context, cred azcore.TokenCredential, stdout, stderr io.Writer) int {
	token, err := getAccessToken(ctx, cred)
	if err != nil {
		fmt.Fprintf(stderr, "Auth error: %v\n", err)
		return ExitSetupFailed
	}
	fmt.Fprintln(stdout, "Authentication OK.")

	info, err := parseTokenInfo(token)
	if err != nil {
		slog.Warn("could not decode access token", slog.Any("error", err))
		return ExitOK
	}
	fmt.Fprintf(stdout, "  Tenant : %s\n", info.TenantID)
	if info.AppID != "" {
		fmt.Fprintf(stdout, "  App ID : %s\n", info.AppID)
	}
	if !info.ExpiresOn.IsZero() {
		fmt.Fprintf(stdout, "  Expires: %s (in %s)\n", info.ExpiresOn.Local().Format(time.RFC1123), time.Until(info.ExpiresOn).Round(time.Second))
	}
	return ExitOK
}
