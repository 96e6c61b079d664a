package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/runtime"
)

const (
	defaultAPIURL = "https://api.powerbi.com/v1.0/myorg"

	moduleName = "pbiexport"

	// Upper bound on how much of an error response body is quoted back.
	maxErrorBody = 64 * 1024
)

// Report is a single entry of the workspace report listing.
type Report struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// DisplayName returns the report name, falling back to its id.
func (r Report) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	if r.ID != "" {
		return r.ID
	}
	return "report"
}

type reportList struct {
	Value []Report `json:"value"`
}

// StatusError is returned when the service answers with status >= 400.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed (%d): %s", e.Op, e.StatusCode, e.Body)
}

// PowerBIClient talks to the Power BI REST API. Every request is sent
// exactly once; the pipeline has retries disabled.
type PowerBIClient struct {
	endpoint string
	pl       runtime.Pipeline
}

// newHTTPClient returns an http.Client whose timeouts bound connecting and
// waiting for response headers, but not reading the body.
func newHTTPClient(requestTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: requestTimeout, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = requestTimeout
	transport.ResponseHeaderTimeout = requestTimeout
	return &http.Client{Transport: transport}
}

// NewPowerBIClient builds a client for the given API root. A nil transport
// gets one derived from requestTimeout.
func NewPowerBIClient(endpoint string, requestTimeout time.Duration, transport policy.Transporter) *PowerBIClient {
	if transport == nil {
		transport = newHTTPClient(requestTimeout)
	}
	opts := &policy.ClientOptions{
		Transport: transport,
		Retry:     policy.RetryOptions{MaxRetries: -1},
		Logging: policy.LogOptions{
			AllowedHeaders: []string{"Content-Disposition", "RequestId"},
		},
	}
	return &PowerBIClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		pl:       runtime.NewPipeline(moduleName, version, runtime.PipelineOptions{}, opts),
	}
}

func (c *PowerBIClient) newRequest(ctx context.Context, token string, segments ...string) (*policy.Request, error) {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}
	req, err := runtime.NewRequest(ctx, http.MethodGet, runtime.JoinPaths(c.endpoint, escaped...))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Raw().Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// ListReports returns every report of the workspace in listing order.
// The listing is a single call; continuation links are not followed.
func (c *PowerBIClient) ListReports(ctx context.Context, token, groupID string) ([]Report, error) {
	req, err := c.newRequest(ctx, token, "groups", groupID, "reports")
	if err != nil {
		return nil, err
	}
	req.Raw().Header.Set("Accept", "application/json")

	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list reports request failed: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, newStatusError("List reports", resp)
	}

	var list reportList
	if err := runtime.UnmarshalAsJSON(resp, &list); err != nil {
		return nil, fmt.Errorf("failed to decode report listing: %w", err)
	}
	return list.Value, nil
}

// Export starts the export of one report. The body is left unread so the
// caller can stream it; the caller must close it.
func (c *PowerBIClient) Export(ctx context.Context, token, groupID, reportID string) (*http.Response, error) {
	req, err := c.newRequest(ctx, token, "groups", groupID, "reports", reportID, "Export")
	if err != nil {
		return nil, err
	}
	runtime.SkipBodyDownload(req)

	resp, err := c.pl.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		return nil, newStatusError("Export", resp)
	}
	return resp, nil
}

func newStatusError(op string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}
