package main

import (
	"context"
	"io"
	"log/slog"
	"strings"

	azlog "github.com/Azure/azure-sdk-for-go/sdk/azcore/log"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
)

var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// newLogger builds the diagnostic logger. Diagnostics go to w (stderr) so
// stdout only carries progress and the summary.
func newLogger(level string, jsonFormat bool, w io.Writer) *slog.Logger {
	lvl, ok := logLevels[strings.ToLower(level)]
	if !ok {
		lvl = slog.LevelWarn
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if jsonFormat {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// forwardSDKLogs routes Azure SDK request/response and authentication events
// into logger at debug level.
func forwardSDKLogs(logger *slog.Logger) {
	if !logger.Enabled(context.Background(), slog.LevelDebug) {
		azlog.SetListener(nil)
		return
	}
	azlog.SetEvents(azlog.EventRequest, azlog.EventResponse, azlog.EventResponseError, azidentity.EventAuthentication)
	azlog.SetListener(func(event azlog.Event, msg string) {
		logger.Debug(msg, slog.String("sdk_event", string(event)))
	})
}
