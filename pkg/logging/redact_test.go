package logging

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"testing"
)

func TestRedactString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		contains string
		excludes string
	}{
		{
			name:     "bearer credential",
			input:    "connecting with Bearer eyJhbGciOiJIUzI1NiJ9.secret",
			contains: "Bearer [REDACTED]",
			excludes: "eyJhbGciOiJIUzI1NiJ9",
		},
		{
			name:     "authorization header value",
			input:    "Authorization: Basic dXNlcjpwYXNz",
			contains: "Authorization: [REDACTED]",
			excludes: "dXNlcjpwYXNz",
		},
		{
			name:     "api key header value",
			input:    "X-API-Key: sk-abc123xyz",
			contains: "X-API-Key: [REDACTED]",
			excludes: "sk-abc123xyz",
		},
		{
			name:     "token env assignment",
			input:    "TOOLMUX_TOKEN=ghp_xxxxxxxxxxxx",
			contains: "TOOLMUX_TOKEN=[REDACTED]",
			excludes: "ghp_xxxxxxxxxxxx",
		},
		{
			name:     "prefixed api key assignment",
			input:    "SEARCH_API_KEY=abcdef12345",
			contains: "SEARCH_API_KEY=[REDACTED]",
			excludes: "abcdef12345",
		},
		{
			name:     "password pair",
			input:    "connecting with password=mysecretpass123",
			contains: "password=[REDACTED]",
			excludes: "mysecretpass123",
		},
		{
			name:     "url userinfo",
			input:    "dialing ws://admin:hunter2@search.internal:9010/mcp",
			contains: "ws://admin:[REDACTED]@search.internal:9010/mcp",
			excludes: "hunter2",
		},
		{
			name:     "url query token",
			input:    "GET http://10.0.0.5:8080/sse?access_token=sekrit&retry=3",
			contains: "access_token=[REDACTED]",
			excludes: "sekrit",
		},
		{
			name:     "non-sensitive value unchanged",
			input:    "upstream connected name=files transport=stdio",
			contains: "name=files transport=stdio",
		},
		{
			name:     "empty string unchanged",
			input:    "",
			contains: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RedactString(tt.input)
			if tt.contains != "" && !strings.Contains(result, tt.contains) {
				t.Errorf("expected result to contain %q, got %q", tt.contains, result)
			}
			if tt.excludes != "" && strings.Contains(result, tt.excludes) {
				t.Errorf("expected result to NOT contain %q, got %q", tt.excludes, result)
			}
		})
	}
}

func TestRedactingHandler_Message(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner))

	logger.Info("connecting with Bearer eyJtoken123")

	output := buf.String()
	if strings.Contains(output, "eyJtoken123") {
		t.Errorf("expected token to be redacted from message, got: %s", output)
	}
	if !strings.Contains(output, "Bearer [REDACTED]") {
		t.Errorf("expected redacted message, got: %s", output)
	}
}

func TestRedactingHandler_StringAttr(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner))

	logger.Info("upstream dial", "url", "ws://svc:topsecret@host:9010/mcp")

	output := buf.String()
	if strings.Contains(output, "topsecret") {
		t.Errorf("expected url credential to be redacted, got: %s", output)
	}
	if !strings.Contains(output, "host:9010/mcp") {
		t.Errorf("expected rest of url to pass through, got: %s", output)
	}
}

func TestRedactingHandler_CommandSliceAttr(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner))

	cmd := []string{"npx", "mcp-remote", "https://api.example.com", "--header", "Authorization: Bearer MDI1ZWZhOTk"}
	logger.Info("process started", "command", cmd)

	output := buf.String()
	if strings.Contains(output, "MDI1ZWZhOTk") {
		t.Errorf("expected bearer token to be redacted from command array, got: %s", output)
	}
}

func TestRedactingHandler_HeaderMapAttr(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner))

	headers := map[string]string{
		"Authorization": "Bearer sk-live-abc",
		"Accept":        "application/json",
	}
	logger.Debug("connect headers", "headers", headers)

	output := buf.String()
	if strings.Contains(output, "sk-live-abc") {
		t.Errorf("expected header value to be redacted, got: %s", output)
	}
	if !strings.Contains(output, "application/json") {
		t.Errorf("expected non-sensitive header to pass through, got: %s", output)
	}
}

func TestRedactingHandler_HTTPHeaderAttr(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner))

	h := http.Header{}
	h.Set("X-API-Key", "sk-9999")
	h.Set("Content-Type", "application/json")
	logger.Debug("request", "headers", h)

	output := buf.String()
	if strings.Contains(output, "sk-9999") {
		t.Errorf("expected api key header to be redacted, got: %s", output)
	}
	if !strings.Contains(output, "application/json") {
		t.Errorf("expected content type to pass through, got: %s", output)
	}
}

func TestRedactingHandler_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner)).With("auth", "Bearer persistent-token")

	logger.Info("test")

	output := buf.String()
	if strings.Contains(output, "persistent-token") {
		t.Errorf("expected persistent attr to be redacted, got: %s", output)
	}
}

func TestRedactingHandler_WithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner)).WithGroup("config")

	logger.Info("loaded", "secret", "password=abc123")

	output := buf.String()
	if strings.Contains(output, "abc123") {
		t.Errorf("expected grouped attr to be redacted, got: %s", output)
	}
}

func TestRedactingHandler_NonSensitivePassthrough(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner))

	logger.Info("upstream connected", "name", "files", "tools", 12)

	output := buf.String()
	if !strings.Contains(output, "files") {
		t.Errorf("expected non-sensitive value to pass through, got: %s", output)
	}
	if !strings.Contains(output, "12") {
		t.Errorf("expected non-sensitive int to pass through, got: %s", output)
	}
}

func TestRedactingHandler_Enabled(t *testing.T) {
	inner := slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn})
	handler := NewRedactingHandler(inner)

	if handler.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("expected debug to be disabled when inner is WARN")
	}
	if !handler.Enabled(context.Background(), slog.LevelWarn) {
		t.Error("expected warn to be enabled when inner is WARN")
	}
}

func TestRedactingHandler_ErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewRedactingHandler(inner))

	logger.Error("upstream auth failed", "error", fmt.Errorf("server rejected Bearer eyJsecret123"))

	output := buf.String()
	if strings.Contains(output, "eyJsecret123") {
		t.Errorf("expected error message to be redacted, got: %s", output)
	}
}

func TestRedactEnv(t *testing.T) {
	env := map[string]string{
		"TOOLMUX_TOKEN":  "ghp_secret123",
		"SEARCH_API_KEY": "sk-abc",
		"LOG_LEVEL":      "debug",
		"ROOT":           "/srv",
	}

	redacted := RedactEnv(env)

	if redacted["TOOLMUX_TOKEN"] != "[REDACTED]" {
		t.Errorf("expected TOOLMUX_TOKEN redacted, got %q", redacted["TOOLMUX_TOKEN"])
	}
	if redacted["SEARCH_API_KEY"] != "[REDACTED]" {
		t.Errorf("expected SEARCH_API_KEY redacted, got %q", redacted["SEARCH_API_KEY"])
	}
	if redacted["LOG_LEVEL"] != "debug" {
		t.Errorf("expected LOG_LEVEL unchanged, got %q", redacted["LOG_LEVEL"])
	}
	if redacted["ROOT"] != "/srv" {
		t.Errorf("expected ROOT unchanged, got %q", redacted["ROOT"])
	}
}

func TestRedactEnv_Nil(t *testing.T) {
	if RedactEnv(nil) != nil {
		t.Error("expected nil for nil input")
	}
}

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer tok-1")
	h.Set("Cookie", "session=abc")
	h.Set("Accept", "text/event-stream")

	redacted := RedactHeaders(h)

	if redacted.Get("Authorization") != "[REDACTED]" {
		t.Errorf("expected Authorization redacted, got %q", redacted.Get("Authorization"))
	}
	if redacted.Get("Cookie") != "[REDACTED]" {
		t.Errorf("expected Cookie redacted, got %q", redacted.Get("Cookie"))
	}
	if redacted.Get("Accept") != "text/event-stream" {
		t.Errorf("expected Accept unchanged, got %q", redacted.Get("Accept"))
	}
	if RedactHeaders(nil) != nil {
		t.Error("expected nil for nil input")
	}
}
