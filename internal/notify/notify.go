// Package notify delivers enforcement notices to users.
package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notices to the log instead of sending them.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, user, subject, body string) error {
	n.logger.Info("notice", "user", user, "subject", subject, "body", body)
	return nil
}
