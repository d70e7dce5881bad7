// Package logging provides structured logging for Meridian using Go's
// standard library slog package.
//
// The agent is a sequential background process, so the only contextual
// identity worth propagating is the run ID of the current control cycle:
// WithRunID stamps it on a context and FromContext recovers a logger that
// carries it. The HTTP surfaces (ticketing, dashboard) use HTTPMiddleware
// for per-request logs with correlation IDs.
//
// Usage:
//
//	logger := logging.New(logging.Config{
//	    Level:  slog.LevelInfo,
//	    Format: logging.FormatJSON,
//	})
//
//	ctx = logging.WithRunID(logging.NewContext(ctx, logger), runID)
//	logging.FromContext(ctx).Info("starting control run")
package logging

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Log Format Constants
// =============================================================================

// Format specifies the log output format.
type Format string

const (
	// FormatJSON outputs structured JSON logs, ideal for production and log
	// aggregation.
	FormatJSON Format = "json"

	// FormatText outputs human-readable text logs, ideal for development.
	FormatText Format = "text"
)

// =============================================================================
// Context Keys
// =============================================================================

type contextKey string

const (
	// loggerKey is the context key for storing the logger.
	loggerKey contextKey = "meridian_logger"

	// runIDKey is the context key for the current cycle's run ID.
	runIDKey contextKey = "meridian_run_id"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	// Defaults to slog.LevelInfo if zero.
	Level slog.Level

	// Format specifies the output format (json or text).
	// Defaults to FormatJSON if empty.
	Format Format

	// Output is the destination for log output.
	// Defaults to os.Stdout if nil.
	Output io.Writer

	// AddSource includes source file and line number in log output.
	AddSource bool

	// TimeFormat specifies the time format for text output.
	// Defaults to time.RFC3339 if empty. Ignored for JSON format.
	TimeFormat string

	// AppName is included in every log entry for multi-service environments.
	AppName string

	// Environment is included in every log entry (development, production, etc.).
	Environment string
}

// applyDefaults fills in default values for unset fields.
func (c *Config) applyDefaults() {
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.Output == nil {
		c.Output = os.Stdout
	}
	if c.TimeFormat == "" {
		c.TimeFormat = time.RFC3339
	}
	if c.AppName == "" {
		c.AppName = "meridian"
	}
}

// =============================================================================
// Logger Construction
// =============================================================================

// New creates a new structured logger with the given configuration.
func New(cfg Config) *slog.Logger {
	cfg.applyDefaults()

	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			// Redact sensitive fields
			if isSensitiveKey(a.Key) {
				return slog.String(a.Key, "[REDACTED]")
			}

			// Format time consistently for text output
			if a.Key == slog.TimeKey && cfg.Format == FormatText {
				if t, ok := a.Value.Any().(time.Time); ok {
					return slog.String(a.Key, t.Format(cfg.TimeFormat))
				}
			}

			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatText:
		handler = slog.NewTextHandler(cfg.Output, opts)
	default:
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}

	// Wrap with default attributes
	if cfg.AppName != "" || cfg.Environment != "" {
		attrs := make([]slog.Attr, 0, 2)
		if cfg.AppName != "" {
			attrs = append(attrs, slog.String("app", cfg.AppName))
		}
		if cfg.Environment != "" {
			attrs = append(attrs, slog.String("env", cfg.Environment))
		}
		handler = handler.WithAttrs(attrs)
	}

	return slog.New(handler)
}

// NewFromEnv creates a logger configured from environment variables.
//
// Environment variables:
//   - MERIDIAN_LOG_LEVEL: debug, info, warn, error (default: info)
//   - MERIDIAN_LOG_FORMAT: json, text (default: json)
//   - MERIDIAN_LOG_SOURCE: true, false (default: false)
func NewFromEnv() *slog.Logger {
	return New(Config{
		Level:       parseLogLevel(os.Getenv("MERIDIAN_LOG_LEVEL")),
		Format:      parseLogFormat(os.Getenv("MERIDIAN_LOG_FORMAT")),
		AddSource:   parseBool(os.Getenv("MERIDIAN_LOG_SOURCE")),
		Environment: os.Getenv("MERIDIAN_APP_ENV"),
	})
}

// Default returns the default logger for the application.
// This creates a production-ready JSON logger.
func Default() *slog.Logger {
	return New(Config{
		Level:  slog.LevelInfo,
		Format: FormatJSON,
	})
}

// =============================================================================
// Context Integration
// =============================================================================

// NewContext returns a new context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext retrieves the logger from context.
// Returns the default logger if none is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}

// WithRunID stamps the current cycle's run ID on the context and attaches a
// logger carrying it, so every log line of one cycle correlates.
func WithRunID(ctx context.Context, runID string) context.Context {
	ctx = context.WithValue(ctx, runIDKey, runID)

	logger := FromContext(ctx).With(slog.String("run_id", runID))
	return NewContext(ctx, logger)
}

// RunIDFromContext retrieves the cycle run ID from context.
func RunIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(runIDKey).(string); ok {
		return id
	}
	return ""
}

// =============================================================================
// Sensitive Data Handling
// =============================================================================

// sensitiveKeys lists field names that should be redacted.
var sensitiveKeys = map[string]bool{
	"password":       true,
	"passwd":         true,
	"secret":         true,
	"token":          true,
	"api_key":        true,
	"apikey":         true,
	"authorization":  true,
	"auth":           true,
	"credential":     true,
	"private_key":    true,
	"access_token":   true,
	"refresh_token":  true,
	"session":        true,
	"cookie":         true,
	"webhook_secret": true,
}

// isSensitiveKey checks if a key name should have its value redacted.
func isSensitiveKey(key string) bool {
	return sensitiveKeys[strings.ToLower(key)]
}

// =============================================================================
// Helper Functions
// =============================================================================

// parseLogLevel parses a log level string to slog.Level.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// parseLogFormat parses a format string to Format.
func parseLogFormat(format string) Format {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		return FormatText
	default:
		return FormatJSON
	}
}

// parseBool parses a boolean string.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}

// =============================================================================
// HTTP Middleware
// =============================================================================

// HTTPLogEntry represents a structured HTTP request/response log entry.
type HTTPLogEntry struct {
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	StatusCode   int           `json:"status_code"`
	Duration     time.Duration `json:"duration_ns"`
	DurationMS   float64       `json:"duration_ms"`
	RequestID    string        `json:"request_id,omitempty"`
	RemoteAddr   string        `json:"remote_addr,omitempty"`
	UserAgent    string        `json:"user_agent,omitempty"`
	BytesWritten int64         `json:"bytes_written,omitempty"`
}

// LogValue implements slog.LogValuer for structured logging.
func (e HTTPLogEntry) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("method", e.Method),
		slog.String("path", e.Path),
		slog.Int("status", e.StatusCode),
		slog.Float64("duration_ms", e.DurationMS),
	}

	if e.RequestID != "" {
		attrs = append(attrs, slog.String("request_id", e.RequestID))
	}
	if e.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", e.RemoteAddr))
	}

	return slog.GroupValue(attrs...)
}

// HTTPMiddleware returns an HTTP middleware that logs requests/responses.
// A correlation ID is read from X-Request-ID, or generated when absent, and
// echoed on the response.
func HTTPMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get("X-Request-ID")
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			start := time.Now()
			lrw := &loggingResponseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(lrw, r)

			duration := time.Since(start)
			entry := HTTPLogEntry{
				Method:       r.Method,
				Path:         r.URL.Path,
				StatusCode:   lrw.status,
				Duration:     duration,
				DurationMS:   float64(duration) / float64(time.Millisecond),
				RequestID:    requestID,
				RemoteAddr:   r.RemoteAddr,
				UserAgent:    r.UserAgent(),
				BytesWritten: lrw.bytes,
			}

			logger.Info("http_request", slog.Any("http", entry))
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.status = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Write(b []byte) (int, error) {
	n, err := lrw.ResponseWriter.Write(b)
	lrw.bytes += int64(n)
	return n, err
}
