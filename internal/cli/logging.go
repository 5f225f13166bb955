package cli

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"dumpprep/internal/config"
)

// newLogger builds the run logger from the configured level and format.
// cfg has been validated, so parse failures fall back to info.
func newLogger(cfg *config.Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}
