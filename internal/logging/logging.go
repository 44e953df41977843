// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Setup applies level and format for the given environment. Production
// environments log JSON; anything else logs human-readable text.
func Setup(env, level string) *logrus.Logger {
	return configure(logrus.StandardLogger(), os.Stderr, env, level)
}

// New returns an independent logger, mostly for tests and embedding.
func New(out io.Writer, env, level string) *logrus.Logger {
	return configure(logrus.New(), out, env, level)
}

func configure(l *logrus.Logger, out io.Writer, env, level string) *logrus.Logger {
	l.SetOutput(out)
	if env == "prod" || env == "production" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
