// util/log.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package util

import (
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the process-wide logger. Debug output is
// suppressed unless requested.
func NewLogger(debug bool) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	if debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}
