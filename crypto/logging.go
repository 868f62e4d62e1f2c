package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates fields for one crypto log line.
type LoggerHelper struct {
	fields logrus.Fields
}

// NewLogger starts a log line tagged with the function and package.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{
		fields: logrus.Fields{
			"function": function,
			"package":  "crypto",
		},
	}
}

func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

func (l *LoggerHelper) Debug(message string) {
	logrus.WithFields(l.fields).Debug(message)
}

func (l *LoggerHelper) Info(message string) {
	logrus.WithFields(l.fields).Info(message)
}

func (l *LoggerHelper) Warn(message string) {
	logrus.WithFields(l.fields).Warn(message)
}

// SecureFieldHash returns loggable fields for key material: a short hex
// prefix and the length, never the whole value.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if n := min(len(data), 4); n > 0 {
		preview = fmt.Sprintf("%x", data[:n])
		if len(data) > n {
			preview += "..."
		}
	}
	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
