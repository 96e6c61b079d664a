package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCredential hands out a fixed token or error.
type fakeCredential struct {
	token  string
	err    error
	calls  int
	scopes []string
}

func (f *fakeCredential) GetToken(ctx context.Context, opts policy.TokenRequestOptions) (azcore.AccessToken, error) {
	f.calls++
	f.scopes = opts.Scopes
	if f.err != nil {
		return azcore.AccessToken{}, f.err
	}
	return azcore.AccessToken{Token: f.token, ExpiresOn: time.Now().Add(time.Hour)}, nil
}

type fakeLister struct {
	reports []Report
	err     error
	calls   int
}

func (f *fakeLister) ListReports(ctx context.Context, token, groupID string) ([]Report, error) {
	f.calls++
	return f.reports, f.err
}

// scriptedDownloader fails the reports whose id is listed in failures.
type scriptedDownloader struct {
	failures map[string]string
	seen     []string
}

func (s *scriptedDownloader) Download(ctx context.Context, token, groupID string, report Report, destDir string) DownloadOutcome {
	s.seen = append(s.seen, report.ID)
	outcome := DownloadOutcome{ReportID: report.ID, ReportName: report.DisplayName(), Kind: OutcomeSucceeded, Message: "OK"}
	if reason, ok := s.failures[report.ID]; ok {
		outcome.Kind = OutcomeHTTPError
		outcome.Message = reason
	}
	return outcome
}

// memoryRecorder keeps recorded runs in memory.
type memoryRecorder struct {
	runs      []RunRecord
	positions []int
	outcomes  []DownloadOutcome
	finished  []RunSummary
}

func (m *memoryRecorder) StartRun(ctx context.Context, run RunRecord) error {
	m.runs = append(m.runs, run)
	return nil
}

func (m *memoryRecorder) RecordOutcome(ctx context.Context, runID string, position int, outcome DownloadOutcome) error {
	m.positions = append(m.positions, position)
	m.outcomes = append(m.outcomes, outcome)
	return nil
}

func (m *memoryRecorder) FinishRun(ctx context.Context, runID string, summary RunSummary, finishedAt time.Time) error {
	m.finished = append(m.finished, summary)
	return nil
}

func testToken(t *testing.T) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"tid":   "tenant-1",
		"appid": "app-1",
		"exp":   time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-key"))
	require.NoError(t, err)
	return token
}

func newTestExporter(cred *fakeCredential, lister *fakeLister, dl ReportDownloader, opts ...ExporterOption) (*Exporter, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	opts = append([]ExporterOption{WithOutput(&stdout, &stderr), WithLogger(discardLogger())}, opts...)
	return NewExporter(cred, lister, dl, opts...), &stdout, &stderr
}

func TestExporterEmptyListing(t *testing.T) {
	cred := &fakeCredential{token: testToken(t)}
	lister := &fakeLister{}
	dl := &scriptedDownloader{}
	exporter, stdout, _ := newTestExporter(cred, lister, dl)

	code := exporter.Run(context.Background(), "ws", t.TempDir())

	assert.Equal(t, ExitOK, code)
	assert.Empty(t, dl.seen)
	assert.Equal(t, "No reports found in this workspace.\n", stdout.String())
}

func TestExporterAuthFailure(t *testing.T) {
	cred := &fakeCredential{err: errors.New("invalid_client")}
	lister := &fakeLister{reports: []Report{{ID: "a"}}}
	dl := &scriptedDownloader{}
	exporter, stdout, stderr := newTestExporter(cred, lister, dl)

	code := exporter.Run(context.Background(), "ws", t.TempDir())

	assert.Equal(t, ExitSetupFailed, code)
	assert.Equal(t, 0, lister.calls)
	assert.Empty(t, dl.seen)
	assert.Empty(t, stdout.String())
	assert.Contains(t, stderr.String(), "Auth error: token request failed: invalid_client")
}

func TestExporterMissingToken(t *testing.T) {
	cred := &fakeCredential{token: ""}
	exporter, _, stderr := newTestExporter(cred, &fakeLister{}, &scriptedDownloader{})

	code := exporter.Run(context.Background(), "ws", t.TempDir())

	assert.Equal(t, ExitSetupFailed, code)
	assert.Contains(t, stderr.String(), "missing token")
}

func TestExporterListFailure(t *testing.T) {
	cred := &fakeCredential{token: testToken(t)}
	lister := &fakeLister{err: &StatusError{Op: "List reports", StatusCode: 403, Body: "forbidden"}}
	dl := &scriptedDownloader{}
	exporter, _, stderr := newTestExporter(cred, lister, dl)

	code := exporter.Run(context.Background(), "ws", t.TempDir())

	assert.Equal(t, ExitSetupFailed, code)
	assert.Empty(t, dl.seen)
	assert.Equal(t, "Failed to list reports: List reports failed (403): forbidden\n", stderr.String())
}

func TestExporterAggregatesOutcomes(t *testing.T) {
	cred := &fakeCredential{token: testToken(t)}
	lister := &fakeLister{reports: []Report{
		{ID: "a", Name: "Alpha"},
		{ID: "b", Name: "Beta"},
		{ID: "c", Name: "Gamma"},
		{ID: "d", Name: "Delta"},
	}}
	dl := &scriptedDownloader{failures: map[string]string{
		"d": "Export failed (500): boom",
		"b": "Timeout after 3 minutes",
	}}
	recorder := &memoryRecorder{}
	exporter, stdout, _ := newTestExporter(cred, lister, dl, WithRecorder(recorder))

	code := exporter.Run(context.Background(), "ws", t.TempDir())

	assert.Equal(t, ExitSomeFailures, code)
	assert.Equal(t, 1, cred.calls)
	assert.Equal(t, []string{powerBIScope}, cred.scopes)
	assert.Equal(t, []string{"a", "b", "c", "d"}, dl.seen)

	out := stdout.String()
	assert.Contains(t, out, "Found 4 reports. Downloading to: ")
	assert.Contains(t, out, "[1/4] Alpha ... done\n")
	assert.Contains(t, out, "[2/4] Beta ... FAILED\n")
	assert.Contains(t, out, "[3/4] Gamma ... done\n")
	assert.Contains(t, out, "[4/4] Delta ... FAILED\n")
	assert.Contains(t, out, "  Success: 2\n")
	assert.Contains(t, out, "  Failed : 2\n")
	betaAt := strings.Index(out, "   - Beta: Timeout after 3 minutes")
	deltaAt := strings.Index(out, "   - Delta: Export failed (500): boom")
	require.NotEqual(t, -1, betaAt)
	require.NotEqual(t, -1, deltaAt)
	assert.Less(t, betaAt, deltaAt, "failures must keep listing order")

	require.Len(t, recorder.runs, 1)
	assert.Equal(t, "ws", recorder.runs[0].GroupID)
	assert.NotEmpty(t, recorder.runs[0].ID)
	assert.Equal(t, []int{1, 2, 3, 4}, recorder.positions)
	require.Len(t, recorder.finished, 1)
	assert.Equal(t, []string{"Alpha", "Gamma"}, recorder.finished[0].Successes)
	assert.Equal(t, []Failure{
		{Name: "Beta", Reason: "Timeout after 3 minutes"},
		{Name: "Delta", Reason: "Export failed (500): boom"},
	}, recorder.finished[0].Failures)
}

func TestExporterAllSucceed(t *testing.T) {
	cred := &fakeCredential{token: testToken(t)}
	lister := &fakeLister{reports: []Report{{ID: "a", Name: "Alpha"}, {ID: "b"}}}
	dl := &scriptedDownloader{}
	exporter, stdout, _ := newTestExporter(cred, lister, dl, WithExportInterval(time.Millisecond))

	code := exporter.Run(context.Background(), "ws", t.TempDir())

	assert.Equal(t, ExitOK, code)
	assert.Contains(t, stdout.String(), "[2/2] b ... done\n")
	assert.Contains(t, stdout.String(), "  Failed : 0\n")
}

func TestExporterCancelledWhilePacing(t *testing.T) {
	cred := &fakeCredential{token: testToken(t)}
	lister := &fakeLister{reports: []Report{{ID: "a", Name: "Alpha"}, {ID: "b", Name: "Beta"}}}
	dl := &scriptedDownloader{}
	exporter, _, _ := newTestExporter(cred, lister, dl, WithExportInterval(time.Hour))

	// The first export takes the only burst token; the second has to wait an
	// hour and gives up because the deadline is shorter.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	code := exporter.Run(ctx, "ws", t.TempDir())

	assert.Equal(t, ExitSomeFailures, code)
	assert.Equal(t, []string{"a"}, dl.seen)
}

func TestRunSummary(t *testing.T) {
	var s RunSummary
	assert.Equal(t, ExitOK, s.ExitCode())

	s.Add(DownloadOutcome{ReportName: "A", Kind: OutcomeSucceeded, Message: "OK"})
	s.Add(DownloadOutcome{ReportName: "B", Kind: OutcomeMissingID, Message: "Missing report id"})
	assert.Equal(t, ExitSomeFailures, s.ExitCode())

	var buf bytes.Buffer
	s.Print(&buf)
	assert.Equal(t, "\nSummary:\n  Success: 1\n  Failed : 1\n   - B: Missing report id\n", buf.String())
}
