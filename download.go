package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultChunkSize = 1024 * 1024

	// DefaultReportTimeout is the wall-clock budget for one report download,
	// from the export request to the last byte written.
	DefaultReportTimeout = 3 * time.Minute
	// DefaultRequestTimeout bounds connecting and waiting for response headers.
	DefaultRequestTimeout = 30 * time.Second
)

// OutcomeKind tells how a single report download ended.
type OutcomeKind int

const (
	OutcomeSucceeded OutcomeKind = iota
	OutcomeMissingID
	OutcomeHTTPError
	OutcomeRequestTimeout
	OutcomeBudgetExceeded
	OutcomeIOError
)

var outcomeKindNames = map[OutcomeKind]string{
	OutcomeSucceeded:      "succeeded",
	OutcomeMissingID:      "missing-id",
	OutcomeHTTPError:      "http-error",
	OutcomeRequestTimeout: "request-timeout",
	OutcomeBudgetExceeded: "timeout",
	OutcomeIOError:        "io-error",
}

func (k OutcomeKind) String() string {
	if s, ok := outcomeKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("OutcomeKind(%d)", int(k))
}

// DownloadOutcome is the result of one report download. Exactly one is
// produced per report.
type DownloadOutcome struct {
	ReportID   string
	ReportName string
	Kind       OutcomeKind
	Message    string
	Path       string
	Bytes      int64
	Elapsed    time.Duration
}

// OK reports whether the download succeeded.
func (o DownloadOutcome) OK() bool {
	return o.Kind == OutcomeSucceeded
}

// ReportExporter starts a streamed export of one report.
type ReportExporter interface {
	Export(ctx context.Context, token, groupID, reportID string) (*http.Response, error)
}

// Downloader writes exported reports to disk under a per-report time budget.
type Downloader struct {
	exporter  ReportExporter
	budget    time.Duration
	chunkSize int
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	claimed map[string]bool
}

// NewDownloader returns a Downloader using the default chunk size.
func NewDownloader(exporter ReportExporter, budget time.Duration, logger *slog.Logger) *Downloader {
	if budget <= 0 {
		budget = DefaultReportTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Downloader{
		exporter:  exporter,
		budget:    budget,
		chunkSize: defaultChunkSize,
		logger:    logger,
		now:       time.Now,
		claimed:   make(map[string]bool),
	}
}

// budgetMessage renders the budget the way operators read it, e.g.
// "Timeout after 3 minutes".
func budgetMessage(budget time.Duration) string {
	if budget >= time.Minute && budget%time.Minute == 0 {
		minutes := int(budget / time.Minute)
		if minutes == 1 {
			return "Timeout after 1 minute"
		}
		return fmt.Sprintf("Timeout after %d minutes", minutes)
	}
	return fmt.Sprintf("Timeout after %s", budget)
}

// Download exports one report into destDir. It never returns an error; every
// failure is described by the returned outcome. A failed outcome leaves no
// file behind.
func (d *Downloader) Download(ctx context.Context, token, groupID string, report Report, destDir string) DownloadOutcome {
	outcome := DownloadOutcome{ReportID: report.ID, ReportName: report.DisplayName()}
	if report.ID == "" {
		return outcome.fail(OutcomeMissingID, "Missing report id")
	}

	start := d.now()
	ctx, cancel := context.WithTimeout(ctx, d.budget)
	defer cancel()

	outcome = d.download(ctx, start, token, groupID, report, destDir, outcome)
	outcome.Elapsed = d.now().Sub(start)

	d.logger.Debug("report download finished",
		slog.String("report_id", report.ID),
		slog.String("outcome", outcome.Kind.String()),
		slog.String("path", outcome.Path),
		slog.Int64("bytes", outcome.Bytes),
		slog.Duration("elapsed", outcome.Elapsed),
	)
	return outcome
}

func (d *Downloader) download(ctx context.Context, start time.Time, token, groupID string, report Report, destDir string, outcome DownloadOutcome) DownloadOutcome {
	resp, err := d.exporter.Export(ctx, token, groupID, report.ID)
	if err != nil {
		return outcome.failErr(ctx, err, d.budget)
	}
	defer resp.Body.Close()

	fallback := SanitizeFilename(report.DisplayName()) + ".pbix"
	filename := ResolveFilename(resp.Header.Get("Content-Disposition"), fallback)

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return outcome.fail(OutcomeIOError, fmt.Sprintf("failed to create output directory: %v", err))
	}
	path := d.claimPath(filepath.Join(destDir, filename))

	file, err := os.Create(path)
	if err != nil {
		d.releasePath(path)
		return outcome.fail(OutcomeIOError, fmt.Sprintf("failed to create file: %v", err))
	}

	written, copyErr := d.copyChunks(ctx, start, file, resp.Body)
	closeErr := file.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = fmt.Errorf("failed to close file: %w", closeErr)
	}
	if copyErr != nil {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			d.logger.Warn("failed to remove partial file", slog.String("path", path), slog.Any("error", err))
		}
		d.releasePath(path)
		return outcome.failErr(ctx, copyErr, d.budget)
	}

	outcome.Kind = OutcomeSucceeded
	outcome.Message = "OK"
	outcome.Path = path
	outcome.Bytes = written
	return outcome
}

// claimPath reserves path for one report. When another report of the same run
// holds it, a " (n)" suffix is added before the extension.
func (d *Downloader) claimPath(path string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	candidate := path
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for n := 2; d.claimed[candidate]; n++ {
		candidate = fmt.Sprintf("%s (%d)%s", base, n, ext)
	}
	d.claimed[candidate] = true
	return candidate
}

func (d *Downloader) releasePath(path string) {
	d.mu.Lock()
	delete(d.claimed, path)
	d.mu.Unlock()
}

var errBudgetExceeded = errors.New("report time budget exceeded")

// copyChunks copies src into dst one chunk at a time and checks the elapsed
// time after every chunk.
func (d *Downloader) copyChunks(ctx context.Context, start time.Time, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, d.chunkSize)
	var written int64
	for {
		n, readErr := readChunk(src, buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("failed to write file: %w", err)
			}
			written += int64(n)
		}
		if d.now().Sub(start) > d.budget {
			return written, errBudgetExceeded
		}
		switch {
		case readErr == nil:
		case errors.Is(readErr, io.EOF):
			return written, nil
		default:
			if ctx.Err() != nil {
				return written, ctx.Err()
			}
			return written, readErr
		}
	}
}

// readChunk fills buf unless the stream ends or fails first.
func readChunk(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (o DownloadOutcome) fail(kind OutcomeKind, message string) DownloadOutcome {
	o.Kind = kind
	o.Message = message
	o.Path = ""
	o.Bytes = 0
	return o
}

// failErr classifies err into an outcome kind.
func (o DownloadOutcome) failErr(ctx context.Context, err error, budget time.Duration) DownloadOutcome {
	var statusErr *StatusError
	var netErr net.Error
	switch {
	case errors.As(err, &statusErr):
		return o.fail(OutcomeHTTPError, statusErr.Error())
	case errors.Is(err, errBudgetExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return o.fail(OutcomeBudgetExceeded, budgetMessage(budget))
	case errors.As(err, &netErr) && netErr.Timeout():
		return o.fail(OutcomeRequestTimeout, "HTTP request timed out")
	default:
		return o.fail(OutcomeIOError, err.Error())
	}
}
