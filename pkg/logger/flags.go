package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel     string
	LogFormat    string
	LogFile      string
	DebugFrame   bool
	DebugSession bool
	DebugFEC     bool
	DebugAlink   bool
	DebugRTP     bool
	DebugAll     bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugFrame, "debug-frame", false,
		"Enable radiotap/802.11 classifier debugging (channel-ID routing, drops)")
	fs.BoolVar(&f.DebugSession, "debug-session", false,
		"Enable session-layer debugging (KEY packets, epoch transitions)")
	fs.BoolVar(&f.DebugFEC, "debug-fec", false,
		"Enable block-aggregator debugging (fragment placement, RS recovery)")
	fs.BoolVar(&f.DebugAlink, "debug-alink", false,
		"Enable adaptive-link debugging (FEC-level bumps, telemetry frames)")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugFrame {
			cfg.EnableCategory(DebugFrame)
			cfg.Level = LevelDebug
		}
		if f.DebugSession {
			cfg.EnableCategory(DebugSession)
			cfg.Level = LevelDebug
		}
		if f.DebugFEC {
			cfg.EnableCategory(DebugFEC)
			cfg.Level = LevelDebug
		}
		if f.DebugAlink {
			cfg.EnableCategory(DebugAlink)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./wfb-engine

  Enable DEBUG level:
    ./wfb-engine --log-level debug
    ./wfb-engine -l debug

  Log to file:
    ./wfb-engine --log-file wfb-engine.log
    ./wfb-engine -o wfb-engine.log

  JSON format for structured logging:
    ./wfb-engine --log-format json -o wfb-engine.json

  Debug FEC recovery only:
    ./wfb-engine --debug-fec

  Debug session layer only:
    ./wfb-engine --debug-session

  Debug multiple categories:
    ./wfb-engine --debug-frame --debug-fec --debug-alink

  Debug everything:
    ./wfb-engine --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./wfb-engine -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugFrame {
			debugCategories = append(debugCategories, "frame")
		}
		if f.DebugSession {
			debugCategories = append(debugCategories, "session")
		}
		if f.DebugFEC {
			debugCategories = append(debugCategories, "fec")
		}
		if f.DebugAlink {
			debugCategories = append(debugCategories, "alink")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
