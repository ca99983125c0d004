package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"beacon/internal/config"
	"beacon/internal/event"
	"beacon/internal/logging"
	"beacon/internal/pipeline"
)

const testEventMessage = "beacon test event"

// SendTestEvent delivers one synchronous message event to verify endpoint and credentials.
// Params: ctx caller context; path config path; out receives a one-line report.
// Returns: error when telemetry is disabled or delivery failed.
func SendTestEvent(ctx context.Context, path string, out io.Writer) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config path is required")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLogger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLogger()

	p, err := pipeline.NewFromConfig(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer p.Close()

	if !p.Enabled() {
		return errors.New("telemetry is disabled by configuration")
	}

	outcome := p.CaptureSync(ctx, event.KindMessage, testEventMessage, event.LevelInfo, map[string]any{"test_event": true})
	fmt.Fprintf(out, "test event status=%s event_id=%s endpoint=%s\n", outcome.Status, outcome.EventID, cfg.Telemetry.Endpoint)
	if outcome.Status != pipeline.StatusDelivered {
		return fmt.Errorf("test event not delivered: %s", outcome.Status)
	}
	return nil
}
