package services

import "context"

type contextKey string

const (
	campaignIDKey    contextKey = "campaign_id"
	localeKey        contextKey = "locale"
	aspectRatioKey   contextKey = "aspect_ratio"
	stageKey         contextKey = "stage"
	correlationIDKey contextKey = "correlation_id"
)

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if value == "" {
		return ctx
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	if v, ok := ctx.Value(key).(string); ok && v != "" {
		return v, true
	}
	return "", false
}

// WithCampaignID annotates context with the campaign identifier.
func WithCampaignID(ctx context.Context, id string) context.Context {
	return withString(ctx, campaignIDKey, id)
}

// CampaignIDFromContext extracts the campaign identifier if present.
func CampaignIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, campaignIDKey)
}

// WithLocale annotates context with the target locale.
func WithLocale(ctx context.Context, locale string) context.Context {
	return withString(ctx, localeKey, locale)
}

// LocaleFromContext returns the locale if present.
func LocaleFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, localeKey)
}

// WithAspectRatio annotates context with the aspect ratio tag.
func WithAspectRatio(ctx context.Context, ratio string) context.Context {
	return withString(ctx, aspectRatioKey, ratio)
}

// AspectRatioFromContext returns the aspect ratio if present.
func AspectRatioFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, aspectRatioKey)
}

// WithStage annotates context with the pipeline stage name.
func WithStage(ctx context.Context, stage string) context.Context {
	return withString(ctx, stageKey, stage)
}

// StageFromContext returns the stage name if present.
func StageFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, stageKey)
}

// WithCorrelationID annotates context with a correlation identifier.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return withString(ctx, correlationIDKey, id)
}

// CorrelationIDFromContext extracts the correlation identifier if present.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, correlationIDKey)
}
