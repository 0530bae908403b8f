// Package observability provides structured logging, Prometheus metrics, and
// OpenTelemetry tracing for the Ensemble runtime.
package observability

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger provides structured logging with request correlation and sensitive
// data redaction.
//
// Built on slog, it adds:
//   - Configurable levels and JSON/text output
//   - Automatic request/agent correlation from context
//   - Redaction of provider API keys and other secrets
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	Format string

	// Output is the writer for log output (defaults to os.Stderr).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data
	// redaction on top of the built-in secret patterns.
	RedactPatterns []string
}

// ContextKey is the type for context keys carried through a request.
type ContextKey string

const (
	// RequestIDKey is the context key for request ids.
	RequestIDKey ContextKey = "request_id"

	// AgentIDKey is the context key for the agent handling the request.
	AgentIDKey ContextKey = "agent_id"

	// ModelKey is the context key for the resolved model id.
	ModelKey ContextKey = "model"
)

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	// API keys and tokens
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,

	// Anthropic API keys
	`sk-ant-[a-zA-Z0-9_-]{95,}`,

	// OpenAI-style API keys (also xAI, DeepSeek, OpenRouter)
	`sk-[a-zA-Z0-9_-]{32,}`,

	// Generic hex secrets (32+ chars)
	`(?i)(secret|key|token)[\s:=]+["\']?([a-fA-F0-9]{32,})["\']?`,
}

// NewLogger creates a structured logger.
//
// If config.Output is nil, logs go to os.Stderr. Empty or invalid Level
// defaults to "info"; empty Format defaults to "text".
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "text"
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	allPatterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	for _, pattern := range allPatterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
	}
}

// NewNopLogger returns a logger that discards everything. Useful in tests.
func NewNopLogger() *Logger {
	return NewLogger(LogConfig{Output: io.Discard})
}

// Slog exposes the underlying slog.Logger for components that take one directly.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Debug logs a debug-level message with optional key-value pairs.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs an info-level message with optional key-value pairs.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs a warning-level message with optional key-value pairs.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs an error-level message with optional key-value pairs.
// Errors passed as values are redacted like strings.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

// WithFields returns a logger with the given fields added to all records.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		config:  l.config,
		redacts: l.redacts,
	}
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	redactedArgs := make([]any, len(args))
	for i, arg := range args {
		redactedArgs[i] = l.redactValue(arg)
	}

	attrs := make([]any, 0, len(redactedArgs)+6)
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		attrs = append(attrs, "request_id", requestID)
	}
	if agentID, ok := ctx.Value(AgentIDKey).(string); ok && agentID != "" {
		attrs = append(attrs, "agent_id", agentID)
	}
	if model, ok := ctx.Value(ModelKey).(string); ok && model != "" {
		attrs = append(attrs, "model", model)
	}
	attrs = append(attrs, redactedArgs...)

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case map[string]any:
		return l.redactMap(val)
	case map[string]string:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = v
		}
		return l.redactMap(m)
	default:
		if b, err := json.Marshal(v); err == nil {
			return l.redactString(string(b))
		}
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func (l *Logger) redactMap(m map[string]any) map[string]any {
	sensitiveKeys := map[string]bool{
		"password":      true,
		"secret":        true,
		"token":         true,
		"api_key":       true,
		"apikey":        true,
		"auth":          true,
		"authorization": true,
	}

	result := make(map[string]any, len(m))
	for k, v := range m {
		lowerKey := strings.ToLower(strings.ReplaceAll(k, "-", "_"))
		if sensitiveKeys[lowerKey] {
			result[k] = "[REDACTED]"
		} else {
			result[k] = l.redactValue(v)
		}
	}
	return result
}

// ContextWithRequest returns a context carrying the request and agent ids
// used for log correlation.
func ContextWithRequest(ctx context.Context, requestID, agentID string) context.Context {
	if requestID != "" {
		ctx = context.WithValue(ctx, RequestIDKey, requestID)
	}
	if agentID != "" {
		ctx = context.WithValue(ctx, AgentIDKey, agentID)
	}
	return ctx
}
