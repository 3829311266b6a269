package notify

import (
	"context"
	"log/slog"

	"deploywatch.org/core/monitor/models"
)

// Console logs alerts to the process logger, severity-coded. It is
// always available and enabled by default.
type Console struct {
	settingsHolder
	l *slog.Logger
}

func NewConsole(logger *slog.Logger, settings models.ChannelSettings) *Console {
	c := &Console{l: logger}
	c.Configure(settings)
	return c
}

func (c *Console) Name() string { return "console" }

func (c *Console) Send(ctx context.Context, alert *models.Alert) error {
	args := []any{
		"type", alert.Type,
		"severity", alert.Severity,
		"id", alert.ID,
		"occurrences", alert.Occurrences,
		"data", alert.Data,
	}

	switch alert.Severity {
	case models.SeverityCritical, models.SeverityHigh:
		c.l.Error("ALERT", args...)
	case models.SeverityMedium:
		c.l.Warn("ALERT", args...)
	default:
		c.l.Info("ALERT", args...)
	}
	return nil
}
