package worker

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("MOONIT_WORKER_DEBUG"), "1")

var debugLogger logrus.FieldLogger = logrus.WithField("component", "worker")

// SetDebugLogger replaces the logger used for dispatch tracing.
func SetDebugLogger(log logrus.FieldLogger) {
	if log != nil {
		debugLogger = log.WithField("component", "worker")
	}
}

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled {
		debugLogger.Infof(format, args...)
	}
}
