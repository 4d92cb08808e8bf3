package secrets

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const redactedPlaceholder = "***REDACTED***"

// RedactHandler wraps a slog handler and scrubs registered secret
// values from messages and string attributes before they reach the
// underlying handler.
type RedactHandler struct {
	inner   slog.Handler
	mu      *sync.RWMutex
	secrets map[string]struct{}
}

// NewRedactHandler creates a redacting wrapper around inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{
		inner:   inner,
		mu:      &sync.RWMutex{},
		secrets: make(map[string]struct{}),
	}
}

// Protect registers a value to scrub from log output. Empty values are
// ignored.
func (h *RedactHandler) Protect(value string) {
	if value == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.secrets[value] = struct{}{}
}

// Enabled implements slog.Handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	h.mu.RLock()
	secrets := make([]string, 0, len(h.secrets))
	for s := range h.secrets {
		secrets = append(secrets, s)
	}
	h.mu.RUnlock()

	if len(secrets) == 0 {
		return h.inner.Handle(ctx, record)
	}

	msg := record.Message
	for _, s := range secrets {
		msg = strings.ReplaceAll(msg, s, redactedPlaceholder)
	}

	scrubbed := slog.NewRecord(record.Time, record.Level, msg, record.PC)
	record.Attrs(func(a slog.Attr) bool {
		scrubbed.AddAttrs(redactAttr(a, secrets))
		return true
	})
	return h.inner.Handle(ctx, scrubbed)
}

// WithAttrs implements slog.Handler. The child shares the parent's
// secret set so a Protect on either covers both.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactHandler{inner: h.inner.WithAttrs(attrs), mu: h.mu, secrets: h.secrets}
}

// WithGroup implements slog.Handler.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), mu: h.mu, secrets: h.secrets}
}

func redactAttr(a slog.Attr, secrets []string) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	val := a.Value.String()
	for _, s := range secrets {
		val = strings.ReplaceAll(val, s, redactedPlaceholder)
	}
	return slog.String(a.Key, val)
}
