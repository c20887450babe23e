package logger

import "context"

type contextKey string

const logFieldsKey contextKey = "log_fields"

// LogFields contains structured fields automatically added to all logs within a context.
// Fields flow through context enrichment, so a save that touches a thread, a message
// and an attachment logs all three ids without threading them through every call.
type LogFields struct {
	ThreadID     *string // Thread being saved/loaded
	MessageID    *string // Message owning the attachment being processed
	AttachmentID *string // Attachment content hash
	BlobID       *string // Content store blob id
	Backend      *string // Thread backend name ("memory", "sqlite", "postgres")
	Component    string  // Component name (OTel semantic convention style, e.g., "narrator.service.threads")
}

// WithLogFields enriches context with structured log fields.
// Multiple calls merge fields, with newer non-nil/non-empty values taking precedence.
// Context timeouts and cancellation are preserved.
func WithLogFields(ctx context.Context, fields LogFields) context.Context {
	existing := GetLogFields(ctx)
	merged := mergeFields(existing, fields)
	return context.WithValue(ctx, logFieldsKey, merged)
}

// GetLogFields retrieves log fields from context.
// Returns empty LogFields if none are set.
func GetLogFields(ctx context.Context) LogFields {
	if fields, ok := ctx.Value(logFieldsKey).(LogFields); ok {
		return fields
	}
	return LogFields{}
}

// mergeFields merges two LogFields, preferring non-nil/non-empty values from 'new'.
func mergeFields(existing, new LogFields) LogFields {
	result := existing

	if new.ThreadID != nil {
		result.ThreadID = new.ThreadID
	}
	if new.MessageID != nil {
		result.MessageID = new.MessageID
	}
	if new.AttachmentID != nil {
		result.AttachmentID = new.AttachmentID
	}
	if new.BlobID != nil {
		result.BlobID = new.BlobID
	}
	if new.Backend != nil {
		result.Backend = new.Backend
	}
	if new.Component != "" {
		result.Component = new.Component
	}

	return result
}

// Ptr is a helper to create a pointer from a value.
// Useful for setting LogFields inline: logger.WithLogFields(ctx, logger.LogFields{ThreadID: logger.Ptr(id)})
func Ptr[T any](v T) *T {
	return &v
}

// Truncate truncates a string to maxLen characters, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
