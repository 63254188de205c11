package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/kestrel-run/acpbridge/internal/bridge/logging"
)

func TestSetup_RejectsUnknownLevel(t *testing.T) {
	if _, err := logging.Setup("verbose", "json"); err == nil {
		t.Fatal("expected an error for an unknown log level")
	}
}

func TestSetup_RejectsUnknownFormat(t *testing.T) {
	if _, err := logging.Setup("info", "xml"); err == nil {
		t.Fatal("expected an error for an unknown format")
	}
}

func TestWrap_AddsTraceAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logging.Wrap(slog.NewJSONHandler(&buf, nil)))

	ctx := logging.WithTrace(context.Background())
	logger.InfoContext(ctx, "hello")

	if !strings.Contains(buf.String(), `"trace":"t_`) {
		t.Fatalf("log line missing trace attribute: %s", buf.String())
	}
}

func TestWrap_NoTraceInContext_OmitsAttribute(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(logging.Wrap(slog.NewJSONHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "hello")

	if strings.Contains(buf.String(), `"trace"`) {
		t.Fatalf("log line should not have a trace attribute: %s", buf.String())
	}
}
