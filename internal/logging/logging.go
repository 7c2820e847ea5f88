// Package logging builds the single process-wide logger: initialized
// in main before every other component and injected explicitly, never
// referenced through a global.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New returns a JSON-formatted logrus logger at the given level.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger
}
