package log

import (
	"io"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a text logger writing to out at the given level.
// An unknown level falls back to info with a warning.
func NewLogger(levelStr string, out io.Writer) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(out)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05.000"})
	log.SetLevel(logrus.InfoLevel)

	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		log.Warnf("Invalid log level '%s', using default 'info'. Error: %v", levelStr, err)
	} else {
		log.SetLevel(level)
	}
	return log
}

// ForTask returns an entry tagged with the task name and component
func ForTask(log logrus.FieldLogger, task, component string) *logrus.Entry {
	return log.WithFields(logrus.Fields{"task": task, "component": component})
}
