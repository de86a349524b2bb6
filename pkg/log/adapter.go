package log

import (
	"strings"

	"github.com/sirupsen/logrus"
)

// BadgerLogger implements badger.Logger on top of logrus.
// Badger's Info output is startup and compaction chatter, so it is logged at debug.
type BadgerLogger struct {
	entry *logrus.Entry
}

// NewBadgerLogger wraps entry for use with badger.Options.WithLogger
func NewBadgerLogger(entry *logrus.Entry) *BadgerLogger {
	return &BadgerLogger{entry: entry.WithField("component", "badgerdb")}
}

func (l *BadgerLogger) Errorf(f string, v ...interface{})   { l.entry.Errorf(trimNewline(f), v...) }
func (l *BadgerLogger) Warningf(f string, v ...interface{}) { l.entry.Warnf(trimNewline(f), v...) }
func (l *BadgerLogger) Infof(f string, v ...interface{})    { l.entry.Debugf(trimNewline(f), v...) }
func (l *BadgerLogger) Debugf(f string, v ...interface{})   { l.entry.Tracef(trimNewline(f), v...) }

// DevToolsLogf returns a printf-style sink for chromedp's WithLogf/WithErrorf options
func DevToolsLogf(entry *logrus.Entry, level logrus.Level) func(string, ...interface{}) {
	e := entry.WithField("component", "devtools")
	return func(f string, v ...interface{}) {
		e.Logf(level, trimNewline(f), v...)
	}
}

// badger terminates most format strings with a newline; logrus adds its own
func trimNewline(f string) string {
	return strings.TrimRight(f, "\n")
}
