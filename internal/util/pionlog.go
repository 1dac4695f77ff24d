package util

import (
	"fmt"

	"github.com/pion/logging"
)

// pionLogger routes pion's internal logging through the pterm wrappers so
// that library output shares the CLI's format and level switch. Pion is
// chatty below warn; everything up to info is demoted to debug.
type pionLogger struct {
	scope string
}

// NewPionLoggerFactory returns a logging.LoggerFactory for webrtc.SettingEngine.
func NewPionLoggerFactory() logging.LoggerFactory {
	return pionLoggerFactory{}
}

type pionLoggerFactory struct{}

func (pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

func (l *pionLogger) prefix(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

func (l *pionLogger) Trace(string)                  {}
func (l *pionLogger) Tracef(string, ...interface{}) {}

func (l *pionLogger) Debug(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l *pionLogger) Debugf(format string, args ...interface{}) {
	if !DebugEnabled() {
		return
	}
	LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Info(msg string) { LogDebug("%s", l.prefix(msg)) }
func (l *pionLogger) Infof(format string, args ...interface{}) {
	if !DebugEnabled() {
		return
	}
	LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Warn(msg string) { LogWarning("%s", l.prefix(msg)) }
func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Error(msg string) { LogError("%s", l.prefix(msg)) }
func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError("%s", l.prefix(fmt.Sprintf(format, args...)))
}
