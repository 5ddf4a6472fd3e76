// Package logging builds the slog loggers the binaries share: a console
// handler and a rotating file handler fanned out by MultiHandler.
package logging

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogFilePath names the log file of one run of binary.
func LogFilePath(logsDir, binary string, sessionStart time.Time) string {
	return filepath.Join(
		logsDir,
		fmt.Sprintf("%s.%s.log", binary, sessionStart.Format("20060102_150405")),
	)
}

// NewFileWriter returns a rotating writer at path. Old files are
// compressed and kept for a week.
func NewFileWriter(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    20,
		MaxBackups: 5,
		MaxAge:     7,
		Compress:   true,
	}
}
