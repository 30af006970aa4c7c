// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/fortiblox/x1-custody/internal/config"
)

// Configure applies the log section to the standard logger and returns the
// root entry components derive their loggers from.
func Configure(c config.Log, out io.Writer) *logrus.Entry {
	logger := logrus.StandardLogger()

	switch strings.ToLower(c.Format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		logger.WithField("log_level", c.Level).Warn("unknown log level, ignoring")
	} else {
		logger.SetLevel(level)
	}

	return logrus.NewEntry(logger).WithField("app", "custody")
}

// Discard silences the standard logger and returns a function restoring it.
func Discard() (reset func()) {
	logger := logrus.StandardLogger()
	original := logger.Out
	logger.SetOutput(io.Discard)
	return func() {
		logger.SetOutput(original)
	}
}
