package logger

import (
	"fmt"

	"github.com/pion/logging"
)

// PionFactory adapts the global logger to pion's LoggerFactory so SCTP
// association logs land in the same sink.
type PionFactory struct{}

func (PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: New("pion-" + scope)}
}

type pionLogger struct {
	log Logger
}

func (l *pionLogger) Trace(msg string)                          { l.log.Debugw(msg) }
func (l *pionLogger) Tracef(format string, args ...interface{}) { l.log.Debugw(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Debug(msg string)                          { l.log.Debugw(msg) }
func (l *pionLogger) Debugf(format string, args ...interface{}) { l.log.Debugw(fmt.Sprintf(format, args...)) }
func (l *pionLogger) Info(msg string)                           { l.log.Infow(msg) }
func (l *pionLogger) Infof(format string, args ...interface{})  { l.log.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                           { l.log.Warnw(msg) }
func (l *pionLogger) Warnf(format string, args ...interface{})  { l.log.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                          { l.log.Errorw(msg) }
func (l *pionLogger) Errorf(format string, args ...interface{}) { l.log.Errorf(format, args...) }
