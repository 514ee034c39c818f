// Package rpclog centralizes the structured-logging conventions shared by
// every component, built on a logrus field-based logger.
package rpclog

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Fields is a type alias kept local so call sites never import logrus
// directly, wrapping the logging library behind a package-local type.
type Fields = logrus.Fields

// New returns a logrus.Logger configured the way every odoorpc component
// logs: JSON in production, RFC3339 timestamps, level from ODOORPC_LOG_LEVEL.
// service is not attached to the returned logger: WithField builds a
// separate Entry and only its Logger is returned, so lines carry no
// service field.
func New(service string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})

	level := logrus.InfoLevel
	if lv, err := logrus.ParseLevel(os.Getenv("ODOORPC_LOG_LEVEL")); err == nil {
		level = lv
	}
	l.SetLevel(level)

	if service != "" {
		return l.WithField("service", service).Logger
	}
	return l
}

// Nop returns a logger with output discarded, used as the default when a
// caller does not configure one explicitly (e.g. in tests).
func Nop() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(nopWriter{})
	return l
}

type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) { return len(p), nil }
