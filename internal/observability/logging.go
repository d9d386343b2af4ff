// Package observability provides structured logging and metrics for the
// runtime.
package observability

import (
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format specifies output format: "json" or "text". JSON is the
	// production default.
	Format string `yaml:"format"`

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer `yaml:"-"`

	// AddSource includes file and line number in log records.
	AddSource bool `yaml:"add_source"`
}

// defaultRedactPatterns cover common secret shapes that must never reach
// log output: API keys, bearer tokens, passwords.
var defaultRedactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`),
	regexp.MustCompile(`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-.]{16,})`),
	regexp.MustCompile(`(?i)(secret|password|passphrase)[\s:=]+["']?([^\s"']{8,})["']?`),
	regexp.MustCompile(`sk-[a-zA-Z0-9_\-]{20,}`),
}

// NewLogger creates a structured slog.Logger with secret redaction.
func NewLogger(cfg LogConfig) *slog.Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: redactAttr,
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(cfg.Output, opts)
	} else {
		handler = slog.NewJSONHandler(cfg.Output, opts)
	}
	return slog.New(handler)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() != slog.KindString {
		return a
	}
	v := a.Value.String()
	for _, re := range defaultRedactPatterns {
		if re.MatchString(v) {
			v = re.ReplaceAllString(v, "[REDACTED]")
		}
	}
	return slog.Attr{Key: a.Key, Value: slog.StringValue(v)}
}

// Redact applies the secret-redaction patterns to an arbitrary string.
// Used where raw provider responses may be echoed into errors.
func Redact(s string) string {
	for _, re := range defaultRedactPatterns {
		if re.MatchString(s) {
			s = re.ReplaceAllString(s, "[REDACTED]")
		}
	}
	return s
}
