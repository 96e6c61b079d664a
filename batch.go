package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Exit codes of a batch run.
const (
	ExitOK           = 0
	ExitSetupFailed  = 1
	ExitSomeFailures = 2
)

// ReportLister returns the reports of a workspace.
type ReportLister interface {
	ListReports(ctx context.Context, token, groupID string) ([]Report, error)
}

// ReportDownloader downloads a single report and describes how it went.
type ReportDownloader interface {
	Download(ctx context.Context, token, groupID string, report Report, destDir string) DownloadOutcome
}

// RunRecorder persists runs and their outcomes. Implementations must not
// affect the run when they fail; errors are only logged.
type RunRecorder interface {
	StartRun(ctx context.Context, run RunRecord) error
	RecordOutcome(ctx context.Context, runID string, position int, outcome DownloadOutcome) error
	FinishRun(ctx context.Context, runID string, summary RunSummary, finishedAt time.Time) error
}

// RunRecord identifies one batch run.
type RunRecord struct {
	ID        string
	GroupID   string
	OutputDir string
	StartedAt time.Time
}

// Failure is a failed report and the reason it failed.
type Failure struct {
	Name   string
	Reason string
}

// RunSummary collects outcomes in processing order.
type RunSummary struct {
	Successes []string
	Failures  []Failure
}

// Add records one outcome.
func (s *RunSummary) Add(outcome DownloadOutcome) {
	if outcome.OK() {
		s.Successes = append(s.Successes, outcome.ReportName)
		return
	}
	s.Failures = append(s.Failures, Failure{Name: outcome.ReportName, Reason: outcome.Message})
}

// ExitCode is ExitSomeFailures when at least one report failed.
func (s RunSummary) ExitCode() int {
	if len(s.Failures) > 0 {
		return ExitSomeFailures
	}
	return ExitOK
}

// Print writes the final tally and the failure list.
func (s RunSummary) Print(w io.Writer) {
	fmt.Fprintln(w, "\nSummary:")
	fmt.Fprintf(w, "  Success: %d\n", len(s.Successes))
	fmt.Fprintf(w, "  Failed : %d\n", len(s.Failures))
	for _, f := range s.Failures {
		fmt.Fprintf(w, "   - %s: %s\n", f.Name, f.Reason)
	}
}

type exporterConfig struct {
	stdout   io.Writer
	stderr   io.Writer
	logger   *slog.Logger
	limiter  *rate.Limiter
	recorder RunRecorder
}

// ExporterOption configures an Exporter.
type ExporterOption func(*exporterConfig)

// WithOutput sets where progress and errors are printed.
func WithOutput(stdout, stderr io.Writer) ExporterOption {
	return func(c *exporterConfig) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) ExporterOption {
	return func(c *exporterConfig) {
		c.logger = logger
	}
}

// WithExportInterval enforces a minimum delay between export requests.
// Zero disables pacing.
func WithExportInterval(interval time.Duration) ExporterOption {
	return func(c *exporterConfig) {
		if interval > 0 {
			c.limiter = rate.NewLimiter(rate.Every(interval), 1)
		}
	}
}

// WithRecorder persists the run.
func WithRecorder(recorder RunRecorder) ExporterOption {
	return func(c *exporterConfig) {
		c.recorder = recorder
	}
}

// Exporter drives a full export of one workspace: token, listing, then one
// download per report, strictly in listing order.
type Exporter struct {
	cred       azcore.TokenCredential
	lister     ReportLister
	downloader ReportDownloader
	cfg        exporterConfig
}

// NewExporter wires an Exporter.
func NewExporter(cred azcore.TokenCredential, lister ReportLister, downloader ReportDownloader, opts ...ExporterOption) *Exporter {
	cfg := exporterConfig{
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		logger:  slog.Default(),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Exporter{
		cred:       cred,
		lister:     lister,
		downloader: downloader,
		cfg:        cfg,
	}
}

// Run exports every report of groupID into outDir and returns the process
// exit code.
func (e *Exporter) Run(ctx context.Context, groupID, outDir string) int {
	stdout, stderr, logger := e.cfg.stdout, e.cfg.stderr, e.cfg.logger

	token, err := getAccessToken(ctx, e.cred)
	if err != nil {
		fmt.Fprintf(stderr, "Auth error: %v\n", err)
		return ExitSetupFailed
	}
	if info, err := parseTokenInfo(token); err == nil {
		logger.Info("access token acquired",
			slog.String("tenant_id", info.TenantID),
			slog.String("app_id", info.AppID),
			slog.Time("expires_on", info.ExpiresOn),
		)
	} else {
		logger.Debug("access token is not a readable JWT", slog.Any("error", err))
	}

	reports, err := e.lister.ListReports(ctx, token, groupID)
	if err != nil {
		fmt.Fprintf(stderr, "Failed to list reports: %v\n", err)
		return ExitSetupFailed
	}
	if len(reports) == 0 {
		fmt.Fprintln(stdout, "No reports found in this workspace.")
		return ExitOK
	}

	absOut, err := filepath.Abs(outDir)
	if err != nil {
		absOut = outDir
	}
	fmt.Fprintf(stdout, "Found %d reports. Downloading to: %s\n\n", len(reports), absOut)

	runID := e.startRun(ctx, groupID, absOut)

	done := color.New(color.FgGreen).SprintFunc()
	failed := color.New(color.FgRed, color.Bold).SprintFunc()

	var summary RunSummary
	for i, report := range reports {
		fmt.Fprintf(stdout, "[%d/%d] %s ... ", i+1, len(reports), report.DisplayName())

		outcome := e.downloadOne(ctx, token, groupID, report, outDir)
		summary.Add(outcome)
		if outcome.OK() {
			fmt.Fprintln(stdout, done("done"))
		} else {
			fmt.Fprintln(stdout, failed("FAILED"))
			logger.Warn("report download failed",
				slog.String("report", outcome.ReportName),
				slog.String("report_id", outcome.ReportID),
				slog.String("outcome", outcome.Kind.String()),
				slog.String("reason", outcome.Message),
			)
		}
		e.recordOutcome(ctx, runID, i+1, outcome)
	}

	summary.Print(stdout)
	e.finishRun(ctx, runID, summary)
	return summary.ExitCode()
}

func (e *Exporter) downloadOne(ctx context.Context, token, groupID string, report Report, outDir string) DownloadOutcome {
	// Reports without an id never reach the service, so they do not consume
	// a pacing slot.
	if report.ID != "" {
		if err := e.cfg.limiter.Wait(ctx); err != nil {
			return DownloadOutcome{
				ReportID:   report.ID,
				ReportName: report.DisplayName(),
				Kind:       OutcomeIOError,
				Message:    err.Error(),
			}
		}
	}
	return e.downloader.Download(ctx, token, groupID, report, outDir)
}

func (e *Exporter) startRun(ctx context.Context, groupID, outDir string) string {
	if e.cfg.recorder == nil {
		return ""
	}
	run := RunRecord{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		OutputDir: outDir,
		StartedAt: time.Now().UTC(),
	}
	if err := e.cfg.recorder.StartRun(ctx, run); err != nil {
		e.cfg.logger.Warn("failed to record run start", slog.Any("error", err))
		return ""
	}
	return run.ID
}

func (e *Exporter) recordOutcome(ctx context.Context, runID string, position int, outcome DownloadOutcome) {
	if runID == "" {
		return
	}
	if err := e.cfg.recorder.RecordOutcome(ctx, runID, position, outcome); err != nil {
		e.cfg.logger.Warn("failed to record outcome", slog.String("report", outcome.ReportName), slog.Any("error", err))
	}
}

func (e *Exporter) finishRun(ctx context.Context, runID string, summary RunSummary) {
	if runID == "" {
		return
	}
	if err := e.cfg.recorder.FinishRun(ctx, runID, summary, time.Now().UTC()); err != nil {
		e.cfg.logger.Warn("failed to record run end", slog.Any("error", err))
	}
}
