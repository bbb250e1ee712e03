// Package gormlog routes GORM's logger into slog.
package gormlog

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	glogger "gorm.io/gorm/logger"
)

// SlowThreshold is the query duration above which GORM logs a slow query.
const SlowThreshold = 2 * time.Second

type printer struct {
	logger *slog.Logger
}

func (p printer) Printf(format string, args ...any) {
	msg := strings.Join(strings.Fields(fmt.Sprintf(format, args...)), " ")
	p.logger.Warn(msg, "component", "gorm")
}

// New returns a GORM logger that reports warnings, errors and slow queries
// through logger. Record-not-found errors are dropped.
func New(logger *slog.Logger) glogger.Interface {
	if logger == nil {
		logger = slog.Default()
	}
	return glogger.New(printer{logger: logger}, glogger.Config{
		SlowThreshold:             SlowThreshold,
		LogLevel:                  glogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}
