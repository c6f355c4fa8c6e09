// Package logging builds rotor's structured loggers. Every handler is wrapped
// in a RedactorHandler so credentials, tokens and key material never reach the
// log sink.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// RedactedValue is the placeholder for redacted sensitive data.
const RedactedValue = "[REDACTED]"

var defaultSensitiveFields = []string{
	"password",
	"secret",
	"token",
	"jwt",
	"private_key",
	"privatekey",
	"private-key",
	"credentials",
	"bearer",
	"authorization",
}

// jwtPattern matches compact JWS serializations: three base64url segments.
var jwtPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]+$`)

// RedactorHandler wraps an slog.Handler to automatically redact sensitive fields.
type RedactorHandler struct {
	handler         slog.Handler
	sensitiveFields []string
}

// NewRedactorHandler creates a new handler that redacts sensitive fields.
// Extra field names are matched in addition to the defaults.
func NewRedactorHandler(handler slog.Handler, extraFields ...string) *RedactorHandler {
	fields := make([]string, 0, len(defaultSensitiveFields)+len(extraFields))
	fields = append(fields, defaultSensitiveFields...)
	for _, f := range extraFields {
		fields = append(fields, strings.ToLower(f))
	}
	return &RedactorHandler{handler: handler, sensitiveFields: fields}
}

// Enabled implements slog.Handler.
func (h *RedactorHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

// Handle implements slog.Handler with sensitive data redaction.
//
//nolint:gocritic // Required by slog.Handler interface
func (h *RedactorHandler) Handle(ctx context.Context, record slog.Record) error {
	redacted := slog.NewRecord(record.Time, record.Level, record.Message, record.PC)
	record.Attrs(func(attr slog.Attr) bool {
		redacted.AddAttrs(h.redactAttr(attr))
		return true
	})

	if err := h.handler.Handle(ctx, redacted); err != nil {
		return fmt.Errorf("redactor handle failed: %w", err)
	}
	return nil
}

// WithAttrs implements slog.Handler.
func (h *RedactorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = h.redactAttr(attr)
	}
	return &RedactorHandler{handler: h.handler.WithAttrs(redacted), sensitiveFields: h.sensitiveFields}
}

// WithGroup implements slog.Handler.
func (h *RedactorHandler) WithGroup(name string) slog.Handler {
	return &RedactorHandler{handler: h.handler.WithGroup(name), sensitiveFields: h.sensitiveFields}
}

// redactAttr redacts sensitive attributes recursively. LogValuer values are
// resolved first so their expanded groups are inspected too.
func (h *RedactorHandler) redactAttr(attr slog.Attr) slog.Attr {
	attr.Value = attr.Value.Resolve()

	if h.isSensitiveField(attr.Key) {
		return slog.String(attr.Key, RedactedValue)
	}

	switch attr.Value.Kind() {
	case slog.KindGroup:
		group := attr.Value.Group()
		redacted := make([]slog.Attr, len(group))
		for i, groupAttr := range group {
			redacted[i] = h.redactAttr(groupAttr)
		}
		return slog.Attr{Key: attr.Key, Value: slog.GroupValue(redacted...)}
	case slog.KindString:
		return slog.String(attr.Key, redactSensitiveStrings(attr.Value.String()))
	}
	return attr
}

func (h *RedactorHandler) isSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	for _, sensitive := range h.sensitiveFields {
		if strings.Contains(lower, sensitive) {
			return true
		}
	}
	return false
}

// redactSensitiveStrings hides PEM blocks and JWT-shaped strings wherever they
// appear, regardless of the attribute key.
func redactSensitiveStrings(value string) string {
	if strings.Contains(value, "-----BEGIN ") {
		return RedactedValue
	}
	if jwtPattern.MatchString(strings.TrimSpace(value)) {
		return RedactedValue
	}
	return value
}
