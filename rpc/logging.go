package rpc

import (
	"github.com/sirupsen/logrus"
)

// Logger is the sink a Conn reports protocol-level problems to: malformed
// messages it chose to tolerate, background task failures, and the like.
// It is deliberately narrow (one method) so any structured logger can
// satisfy it; the default implementation adapts github.com/sirupsen/logrus.
type Logger interface {
	LogError(connID string, context string, err error)
}

// logrusLogger is the default Logger, used when Options.Logger is nil.
type logrusLogger struct {
	entry *logrus.Entry
}

func newLogrusLogger() Logger {
	return &logrusLogger{entry: logrus.StandardLogger().WithField("component", "rpc")}
}

func (l *logrusLogger) LogError(connID string, context string, err error) {
	l.entry.WithFields(logrus.Fields{
		"conn_id": connID,
		"context": context,
		"kind":    KindOf(err).String(),
	}).Error(err)
}

// nopLogger discards everything; used by tests that want quiet output.
type nopLogger struct{}

func (nopLogger) LogError(string, string, error) {}
