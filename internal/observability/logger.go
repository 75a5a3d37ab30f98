package observability

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Logger struct {
	base *logrus.Logger
}

func NewLogger(level string) *Logger {
	return NewLoggerWithOutput(level, os.Stdout)
}

func NewLoggerWithOutput(level string, output io.Writer) *Logger {
	base := logrus.New()
	base.SetOutput(output)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.999999999Z07:00",
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime: "timestamp",
			logrus.FieldKeyMsg:  "message",
		},
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	base.SetLevel(parsed)

	return &Logger{base: base}
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.WithFields(fields).Info(message)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.WithFields(fields).Warn(message)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.WithFields(fields).Error(message)
}
