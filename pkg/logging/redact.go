package logging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
)

const redactedPlaceholder = "[REDACTED]"

// redactRule replaces the secret portion of a match, keeping the captured
// prefix so log lines stay readable.
type redactRule struct {
	re   *regexp.Regexp
	repl string
}

// Upstream configs put secrets in a few known places: Authorization and
// X-API-Key header values, env vars named by token-env, credentials
// embedded in upstream URLs, and token query parameters. The rules below
// cover each shape as it appears in log text.
var redactRules = []redactRule{
	{regexp.MustCompile(`(?i)((?:authorization|proxy-authorization)\s*[=:]\s*)\S+(\s+\S+)?`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(x-api-key\s*[=:]\s*)\S+`), "${1}" + redactedPlaceholder},
	{regexp.MustCompile(`(?i)(bearer\s+)\S+`), "${1}" + redactedPlaceholder},
	// KEY=value and key: value pairs, including prefixed names like
	// TOOLMUX_TOKEN or SEARCH_API_KEY.
	{regexp.MustCompile(`(?i)([\w-]*(?:password|passwd|secret|token|credentials?|api[_-]?key)\s*[=:]\s*)\S+`), "${1}" + redactedPlaceholder},
	// Userinfo in upstream URLs: ws://user:pass@host/mcp.
	{regexp.MustCompile(`([a-z][a-z0-9+.-]*://[^/\s:@]+:)[^@\s]+@`), "${1}" + redactedPlaceholder + "@"},
	// Secret-bearing query parameters.
	{regexp.MustCompile(`(?i)([?&](?:token|secret|api[_-]?key|access[_-]?token)=)[^&\s]+`), "${1}" + redactedPlaceholder},
}

var sensitiveKeyRe = regexp.MustCompile(`(?i)(password|passwd|secret|token|credential|auth|cookie|api[_-]?key)`)

// isSensitiveKey reports whether a map key or header name looks like it
// holds a secret.
func isSensitiveKey(key string) bool {
	return sensitiveKeyRe.MatchString(key)
}

// RedactString applies every redaction rule to s.
func RedactString(s string) string {
	for _, r := range redactRules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return s
}

// RedactEnv copies env with secret values masked. Used when logging the
// environment handed to a stdio upstream, where token-env material lands.
func RedactEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if isSensitiveKey(k) {
			out[k] = redactedPlaceholder
		} else {
			out[k] = v
		}
	}
	return out
}

// RedactHeaders copies upstream connect headers with secret values masked.
func RedactHeaders(headers http.Header) http.Header {
	if headers == nil {
		return nil
	}
	out := make(http.Header, len(headers))
	for name, values := range headers {
		if isSensitiveKey(name) {
			out[name] = []string{redactedPlaceholder}
			continue
		}
		masked := make([]string, len(values))
		for i, v := range values {
			masked[i] = RedactString(v)
		}
		out[name] = masked
	}
	return out
}

// RedactingHandler masks secrets in records before they reach the inner
// handler. It wraps the whole pipeline so neither the log file nor the
// /api/logs ring ever stores a live credential.
type RedactingHandler struct {
	inner slog.Handler
}

// NewRedactingHandler wraps inner with secret masking.
func NewRedactingHandler(inner slog.Handler) *RedactingHandler {
	return &RedactingHandler{inner: inner}
}

func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	clean := slog.NewRecord(r.Time, r.Level, RedactString(r.Message), r.PC)
	r.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	masked := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		masked[i] = redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(masked)}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name)}
}

func redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, RedactString(a.Value.String()))
	case slog.KindGroup:
		members := a.Value.Group()
		masked := make([]any, len(members))
		for i, ga := range members {
			masked[i] = redactAttr(ga)
		}
		return slog.Group(a.Key, masked...)
	case slog.KindAny:
		return redactAnyValue(a)
	default:
		return a
	}
}

// redactAnyValue covers the composite values this codebase logs: command
// argv slices, env and header maps, and errors wrapping upstream detail.
func redactAnyValue(a slog.Attr) slog.Attr {
	switch v := a.Value.Any().(type) {
	case []string:
		masked := make([]string, len(v))
		for i, s := range v {
			masked[i] = RedactString(s)
		}
		return slog.Any(a.Key, masked)
	case map[string]string:
		masked := make(map[string]string, len(v))
		for k, val := range v {
			if isSensitiveKey(k) {
				masked[k] = redactedPlaceholder
			} else {
				masked[k] = RedactString(val)
			}
		}
		return slog.Any(a.Key, masked)
	case http.Header:
		return slog.Any(a.Key, RedactHeaders(v))
	case error:
		return slog.String(a.Key, RedactString(v.Error()))
	case fmt.Stringer:
		return slog.String(a.Key, RedactString(v.String()))
	default:
		return a
	}
}
