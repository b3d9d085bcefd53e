package crypto

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/sirupsen/logrus"
)

// LoggerHelper accumulates structured fields for one crypto operation.
type LoggerHelper struct {
	function string
	fields   logrus.Fields
}

// NewLogger creates a logger helper tagged with the calling function.
func NewLogger(function string) *LoggerHelper {
	return &LoggerHelper{
		function: function,
		fields: logrus.Fields{
			"function": function,
			"package":  "crypto",
		},
	}
}

// WithField adds a custom field to the logger
func (l *LoggerHelper) WithField(key string, value interface{}) *LoggerHelper {
	l.fields[key] = value
	return l
}

// WithFields adds multiple custom fields to the logger
func (l *LoggerHelper) WithFields(fields logrus.Fields) *LoggerHelper {
	for k, v := range fields {
		l.fields[k] = v
	}
	return l
}

// WithError records err along with its classification.
func (l *LoggerHelper) WithError(err error, errorType, operation string) *LoggerHelper {
	if err != nil {
		l.fields["error"] = err.Error()
	}
	l.fields["error_type"] = errorType
	l.fields["operation"] = operation
	return l
}

func (l *LoggerHelper) Debug(message string) { logrus.WithFields(l.fields).Debug(message) }
func (l *LoggerHelper) Warn(message string) { logrus.WithFields(l.fields).Warn(message) }

// SecureFieldHash returns log fields identifying sensitive bytes by a short
// SHA-256 fingerprint and their length. The bytes themselves never reach
// the log.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	fingerprint := "nil"
	if len(data) > 0 {
		sum := sha256.Sum256(data)
		fingerprint = hex.EncodeToString(sum[:6])
	}
	return logrus.Fields{
		name + "_fp":   fingerprint,
		name + "_size": len(data),
	}
}
