package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
)

// LogLevel represents the logging verbosity level
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// DebugCategory represents specific debug categories for targeted debugging
type DebugCategory string

const (
	DebugFrame   DebugCategory = "frame"
	DebugSession DebugCategory = "session"
	DebugFEC     DebugCategory = "fec"
	DebugAlink   DebugCategory = "alink"
	DebugRTP     DebugCategory = "rtp"
	DebugAll     DebugCategory = "all"
)

// Config holds logger configuration
type Config struct {
	Level           LogLevel
	Format          OutputFormat
	OutputFile      string
	EnabledCategories map[DebugCategory]bool
	mu              sync.RWMutex
}

// OutputFormat determines the log output format
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Global logger instance
var (
	defaultLogger *Logger
	once          sync.Once
)

// Logger wraps slog.Logger with category-based debugging
type Logger struct {
	*slog.Logger
	config *Config
	file   *os.File
}

// NewConfig creates a new logger configuration with defaults
func NewConfig() *Config {
	return &Config{
		Level:             LevelInfo,
		Format:            FormatText,
		OutputFile:        "",
		EnabledCategories: make(map[DebugCategory]bool),
	}
}

// ParseLevel converts a string to LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug", "DEBUG":
		return LevelDebug, nil
	case "info", "INFO":
		return LevelInfo, nil
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn, nil
	case "error", "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", level)
	}
}

// ParseFormat converts a string to OutputFormat
func ParseFormat(format string) (OutputFormat, error) {
	switch format {
	case "json", "JSON":
		return FormatJSON, nil
	case "text", "TEXT":
		return FormatText, nil
	default:
		return "", fmt.Errorf("invalid log format: %s (must be json or text)", format)
	}
}

// ToSlogLevel converts LogLevel to slog.Level
func (l LogLevel) ToSlogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New creates a new Logger instance with the given configuration
func New(cfg *Config) (*Logger, error) {
	var writer io.Writer = os.Stdout
	var file *os.File

	// Setup output file if specified
	if cfg.OutputFile != "" {
		f, err := os.OpenFile(cfg.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.OutputFile, err)
		}
		writer = f
		file = f
	}

	// Create handler based on format
	var handler slog.Handler
	handlerOpts := &slog.HandlerOptions{
		Level: cfg.Level.ToSlogLevel(),
	}

	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(writer, handlerOpts)
	case FormatText:
		handler = slog.NewTextHandler(writer, handlerOpts)
	default:
		handler = slog.NewTextHandler(writer, handlerOpts)
	}

	logger := &Logger{
		Logger: slog.New(handler),
		config: cfg,
		file:   file,
	}

	return logger, nil
}

// EnableCategory enables a specific debug category
func (c *Config) EnableCategory(category DebugCategory) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if category == DebugAll {
		// Enable all categories
		c.EnabledCategories[DebugFrame] = true
		c.EnabledCategories[DebugSession] = true
		c.EnabledCategories[DebugFEC] = true
		c.EnabledCategories[DebugAlink] = true
		c.EnabledCategories[DebugRTP] = true
	} else {
		c.EnabledCategories[category] = true
	}
}

// IsCategoryEnabled checks if a debug category is enabled
func (c *Config) IsCategoryEnabled(category DebugCategory) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.EnabledCategories[category]
}

// IsDebugEnabled checks if any debug category is enabled
func (c *Config) IsDebugEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.EnabledCategories) > 0
}

// Close closes the log file if one was opened
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Category-specific logging methods

// DebugFrame logs 802.11/radiotap classifier details if frame debugging is enabled
func (l *Logger) DebugFrame(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugFrame) {
		args = append([]any{"category", "frame"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugSession logs KEY/session-layer details if session debugging is enabled
func (l *Logger) DebugSession(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugSession) {
		args = append([]any{"category", "session"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugFEC logs block-aggregator/Reed-Solomon details if FEC debugging is enabled
func (l *Logger) DebugFEC(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugFEC) {
		args = append([]any{"category", "fec"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugAlink logs adaptive-link telemetry details if alink debugging is enabled
func (l *Logger) DebugAlink(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugAlink) {
		args = append([]any{"category", "alink"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRTP logs RTP packet details if RTP debugging is enabled
func (l *Logger) DebugRTP(msg string, args ...any) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		args = append([]any{"category", "rtp"}, args...)
		l.Debug(msg, args...)
	}
}

// DebugRTPPacket logs detailed RTP packet information
func (l *Logger) DebugRTPPacket(seq uint16, timestamp uint32, payloadType uint8, payloadSize int) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		l.Debug("RTP packet",
			"category", "rtp",
			"sequence", seq,
			"timestamp", timestamp,
			"payload_type", payloadType,
			"payload_size", payloadSize)
	}
}

// DebugRTPPayload logs raw RTP payload bytes
func (l *Logger) DebugRTPPayload(seq uint16, payload []byte) {
	if l.config.IsCategoryEnabled(DebugRTP) {
		// Log first 32 bytes of payload as hex
		maxBytes := 32
		if len(payload) < maxBytes {
			maxBytes = len(payload)
		}
		l.Debug("RTP payload",
			"category", "rtp",
			"sequence", seq,
			"payload_bytes", fmt.Sprintf("% x", payload[:maxBytes]),
			"total_size", len(payload))
	}
}

// DebugFragment logs per-fragment placement/recovery details
func (l *Logger) DebugFragment(blockIdx uint64, fragmentIdx uint8, recovered bool, payloadSize int) {
	if l.config.IsCategoryEnabled(DebugFEC) {
		l.Debug("fragment placed",
			"category", "fec",
			"block_idx", blockIdx,
			"fragment_idx", fragmentIdx,
			"recovered", recovered,
			"payload_size", payloadSize)
	}
}

// WithContext returns a copy of the logger; ctx is not used
func (l *Logger) WithContext(ctx context.Context) *Logger {
	return &Logger{
		Logger: l.Logger,
		config: l.config,
		file:   l.file,
	}
}

// With returns a new Logger with the given attributes
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		config: l.config,
		file:   l.file,
	}
}

// SetDefault sets the global default logger
func SetDefault(logger *Logger) {
	defaultLogger = logger
	slog.SetDefault(logger.Logger)
}

// Default returns the default logger, creating one if necessary
func Default() *Logger {
	once.Do(func() {
		if defaultLogger != nil {
			return // already set by SetDefault
		}
		cfg := NewConfig()
		logger, err := New(cfg)
		if err != nil {
			// Fallback to basic logger
			logger = &Logger{
				Logger: slog.Default(),
				config: cfg,
			}
		}
		defaultLogger = logger
	})
	return defaultLogger
}

// Package-level convenience functions

// Debug logs at Debug level using the default logger
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs at Info level using the default logger
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs at Warn level using the default logger
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs at Error level using the default logger
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}
