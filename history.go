package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	_ "github.com/glebarez/sqlite"
)

// HistoryRun is a stored run together with its outcomes in processing order.
type HistoryRun struct {
	RunRecord
	FinishedAt time.Time
	Finished   bool
	ExitCode   int
	Results    []HistoryResult
}

// HistoryResult is one stored outcome.
type HistoryResult struct {
	Position   int
	ReportID   string
	ReportName string
	Outcome    string
	Message    string
	Path       string
	Bytes      int64
	Duration   time.Duration
}

// Summary rebuilds the run summary from the stored outcomes.
func (r HistoryRun) Summary() RunSummary {
	var s RunSummary
	for _, res := range r.Results {
		if res.Outcome == OutcomeSucceeded.String() {
			s.Successes = append(s.Successes, res.ReportName)
		} else {
			s.Failures = append(s.Failures, Failure{Name: res.ReportName, Reason: res.Message})
		}
	}
	return s
}

var errNoHistory = errors.New("no runs recorded")

// LastRun loads the most recently started run, optionally restricted to one
// workspace.
func (h *History) LastRun(ctx context.Context, groupID string) (HistoryRun, error) {
	query := `SELECT runId, groupId, outputDir, startedAt, finishedAt, exitCode FROM exportRuns`
	var args []interface{}
	if groupID != "" {
		query += ` WHERE groupId = ?`
		args = append(args, groupID)
	}
	query += ` ORDER BY startedAt DESC LIMIT 1;`

	var (
		run        HistoryRun
		startedAt  string
		finishedAt sql.NullString
		exitCode   sql.NullInt64
	)
	err := h.db.QueryRowContext(ctx, query, args...).Scan(&run.ID, &run.GroupID, &run.OutputDir, &startedAt, &finishedAt, &exitCode)
	if errors.Is(err, sql.ErrNoRows) {
		return HistoryRun{}, errNoHistory
	}
	if err != nil {
		return HistoryRun{}, fmt.Errorf("failed to query last run: %w", err)
	}
	if run.StartedAt, err = time.Parse(historyTimeLayout, startedAt); err != nil {
		return HistoryRun{}, fmt.Errorf("invalid startedAt %q: %w", startedAt, err)
	}
	if finishedAt.Valid {
		if run.FinishedAt, err = time.Parse(historyTimeLayout, finishedAt.String); err != nil {
			return HistoryRun{}, fmt.Errorf("invalid finishedAt %q: %w", finishedAt.String, err)
		}
		run.Finished = true
		run.ExitCode = int(exitCode.Int64)
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT position, reportId, reportName, outcome, message, path, bytes, durationMs FROM exportResults WHERE runId = ? ORDER BY position;`,
		run.ID)
	if err != nil {
		return HistoryRun{}, fmt.Errorf("failed to query run results: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			res        HistoryResult
			reportID   sql.NullString
			path       sql.NullString
			durationMs int64
		)
		if err := rows.Scan(&res.Position, &reportID, &res.ReportName, &res.Outcome, &res.Message, &path, &res.Bytes, &durationMs); err != nil {
			return HistoryRun{}, fmt.Errorf("failed to scan result row: %w", err)
		}
		res.ReportID = reportID.String
		res.Path = path.String
		res.Duration = time.Duration(durationMs) * time.Millisecond
		run.Results = append(run.Results, res)
	}
	if err := rows.Err(); err != nil {
		return HistoryRun{}, fmt.Errorf("error during row iteration: %w", err)
	}
	return run, nil
}

// showHistory prints the last recorded run without contacting the service.
func showHistory(ctx context.Context, config Config, w io.Writer) error {
	fileInfo, err := os.Stat(config.HistoryDB)
	if err != nil {
		return fmt.Errorf("could not stat history file: %w", err)
	}
	slog.Info("reading run history",
		slog.String("path", config.HistoryDB),
		slog.String("last_modified", fileInfo.ModTime().Format(time.RFC1123)),
	)

	history, err := OpenHistory(ctx, config.HistoryDB)
	if err != nil {
		return err
	}
	defer history.Close()

	run, err := history.LastRun(ctx, config.GroupID)
	if errors.Is(err, errNoHistory) {
		fmt.Fprintln(w, "No runs recorded.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Run %s\n", run.ID)
	fmt.Fprintf(w, "  Workspace: %s\n", run.GroupID)
	fmt.Fprintf(w, "  Output   : %s\n", run.OutputDir)
	fmt.Fprintf(w, "  Started  : %s\n", run.StartedAt.Local().Format(time.RFC1123))
	if run.Finished {
		fmt.Fprintf(w, "  Finished : %s (exit code %d)\n", run.FinishedAt.Local().Format(time.RFC1123), run.ExitCode)
	} else {
		fmt.Fprintln(w, "  Finished : never (run was interrupted)")
	}
	run.Summary().Print(w)
	return nil
}
