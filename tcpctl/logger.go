package tcpctl

import "github.com/sirupsen/logrus"

// connLogger binds a *logrus.Entry to a single connection so every line it
// emits already carries the connection's 4-tuple and current state.
type connLogger struct {
	entry *logrus.Entry
}

func newConnLogger(base *logrus.Logger, key ConnKey) connLogger {
	if base == nil {
		base = logrus.StandardLogger()
	}
	return connLogger{entry: base.WithField("conn", key.String())}
}

func (l connLogger) trace(state State, msg string) {
	if l.entry == nil {
		return
	}
	l.entry.WithField("state", state.String()).Trace(msg)
}

func (l connLogger) debug(state State, msg string, args ...any) {
	if l.entry == nil {
		return
	}
	l.entry.WithField("state", state.String()).Debugf(msg, args...)
}

func (l connLogger) warn(state State, msg string, args ...any) {
	if l.entry == nil {
		return
	}
	l.entry.WithField("state", state.String()).Warnf(msg, args...)
}
