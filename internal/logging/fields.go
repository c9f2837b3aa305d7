package logging

import "go.uber.org/zap"

// Alert marks a log line as operator-facing.
func Alert(value string) zap.Field { return zap.String(FieldAlert, value) }

// EventType tags a log line with its event classification.
func EventType(value string) zap.Field { return zap.String(FieldEventType, value) }

// ErrorHint tags a log line with the operator's next step.
func ErrorHint(value string) zap.Field { return zap.String(FieldErrorHint, value) }

func hasField(fields []zap.Field, key string) bool {
	for _, f := range fields {
		if f.Key == key {
			return true
		}
	}
	return false
}

// WarnWithContext logs a warning with enforced event_type, error_hint, and impact fields.
// Missing fields are filled with defaults so every WARN names cause, impact, and next step.
func WarnWithContext(logger *zap.Logger, msg, eventType string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	if !hasField(fields, FieldEventType) {
		fields = append(fields, EventType(eventType))
	}
	if !hasField(fields, FieldErrorHint) {
		fields = append(fields, ErrorHint("check logs for details"))
	}
	if !hasField(fields, FieldImpact) {
		fields = append(fields, zap.String(FieldImpact, "operation completed with warnings"))
	}
	logger.Warn(msg, fields...)
}

// ErrorWithContext logs an error with enforced event_type and error_hint fields.
func ErrorWithContext(logger *zap.Logger, msg, eventType string, fields ...zap.Field) {
	if logger == nil {
		return
	}
	if !hasField(fields, FieldEventType) {
		fields = append(fields, EventType(eventType))
	}
	if !hasField(fields, FieldErrorHint) {
		fields = append(fields, ErrorHint("check logs for details"))
	}
	logger.Error(msg, fields...)
}
