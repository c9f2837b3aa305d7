package logging

import (
	"context"

	"go.uber.org/zap"

	"creativepipe/internal/services"
)

const (
	// FieldComponent is the standardized structured logging key for component names.
	FieldComponent = "component"
	// FieldStage is the standardized structured logging key for pipeline stage names.
	FieldStage = "stage"
	// FieldCampaignID is the standardized structured logging key for campaign identifiers.
	FieldCampaignID = "campaign_id"
	// FieldLocale is the standardized structured logging key for target locales.
	FieldLocale = "locale"
	// FieldAspectRatio is the standardized structured logging key for aspect ratio tags.
	FieldAspectRatio = "aspect_ratio"
	// FieldCorrelationID is the standardized structured logging key for request correlation identifiers.
	FieldCorrelationID = "correlation_id"
	// FieldEventType classifies a log line for filtering (stage_failure, dead_letter, ...).
	FieldEventType = "event_type"
	// FieldErrorHint carries the operator's next step for warnings and errors.
	FieldErrorHint = "error_hint"
	// FieldImpact is the user-facing consequence of a warning.
	FieldImpact = "impact"
	// FieldAlert flags warnings or anomalies that should stand out in structured logs.
	FieldAlert = "alert"
)

// ContextFields extracts standardized zap fields from the provided context.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)
	if stage, ok := services.StageFromContext(ctx); ok {
		fields = append(fields, zap.String(FieldStage, stage))
	}
	if id, ok := services.CampaignIDFromContext(ctx); ok {
		fields = append(fields, zap.String(FieldCampaignID, id))
	}
	if locale, ok := services.LocaleFromContext(ctx); ok {
		fields = append(fields, zap.String(FieldLocale, locale))
	}
	if ratio, ok := services.AspectRatioFromContext(ctx); ok {
		fields = append(fields, zap.String(FieldAspectRatio, ratio))
	}
	if rid, ok := services.CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String(FieldCorrelationID, rid))
	}
	return fields
}

// WithContext returns a logger augmented with structured fields derived from the supplied context.
func WithContext(ctx context.Context, logger *zap.Logger) *zap.Logger {
	if logger == nil {
		logger = NewNop()
	}
	fields := ContextFields(ctx)
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}
