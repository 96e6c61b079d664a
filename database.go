package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/glebarez/sqlite"
)

// Fixed-width so stored timestamps sort lexically.
const historyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// History records export runs in a SQLite database.
type History struct {
	db *sql.DB
}

func setupDatabase(ctx context.Context, dbName string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbName)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	statements := []struct {
		sql  string
		what string
	}{
		{`CREATE TABLE IF NOT EXISTS exportRuns (runId TEXT PRIMARY KEY, groupId TEXT, outputDir TEXT, startedAt TEXT, finishedAt TEXT, successCount INTEGER, failureCount INTEGER, exitCode INTEGER);`, "exportRuns table"},
		{`CREATE INDEX IF NOT EXISTS idx_startedAt ON exportRuns (startedAt);`, "startedAt index"},
		{`CREATE TABLE IF NOT EXISTS exportResults (runId TEXT, position INTEGER, reportId TEXT, reportName TEXT, outcome TEXT, message TEXT, path TEXT, bytes INTEGER, durationMs INTEGER, PRIMARY KEY (runId, position));`, "exportResults table"},
	}
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt.sql); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create %s: %w", stmt.what, err)
		}
	}

	slog.Debug("history database ready", slog.String("path", dbName))
	return db, nil
}

// OpenHistory opens (creating if needed) the history database at path.
func OpenHistory(ctx context.Context, path string) (*History, error) {
	db, err := setupDatabase(ctx, path)
	if err != nil {
		return nil, err
	}
	return &History{db: db}, nil
}

// Close closes the underlying database.
func (h *History) Close() error {
	return h.db.Close()
}

func (h *History) StartRun(ctx context.Context, run RunRecord) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO exportRuns (runId, groupId, outputDir, startedAt) VALUES (?, ?, ?, ?)`,
		run.ID, run.GroupID, run.OutputDir, run.StartedAt.UTC().Format(historyTimeLayout))
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

func (h *History) RecordOutcome(ctx context.Context, runID string, position int, outcome DownloadOutcome) error {
	_, err := h.db.ExecContext(ctx,
		`INSERT INTO exportResults (runId, position, reportId, reportName, outcome, message, path, bytes, durationMs) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, position, outcome.ReportID, outcome.ReportName, outcome.Kind.String(), outcome.Message,
		outcome.Path, outcome.Bytes, outcome.Elapsed.Milliseconds())
	if err != nil {
		return fmt.Errorf("failed to insert outcome: %w", err)
	}
	return nil
}

func (h *History) FinishRun(ctx context.Context, runID string, summary RunSummary, finishedAt time.Time) error {
	_, err := h.db.ExecContext(ctx,
		`UPDATE exportRuns SET finishedAt = ?, successCount = ?, failureCount = ?, exitCode = ? WHERE runId = ?`,
		finishedAt.UTC().Format(historyTimeLayout), len(summary.Successes), len(summary.Failures), summary.ExitCode(), runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return nil
}
