package logger_test

import (
	"fmt"
	"os"

	"github.com/openipc/wfb-link-engine/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("link engine started", "version", "1.0.0")
	log.Warn("fec_type not Vandermonde, session will be rejected", "channel_id", 0x07669206)
	log.Error("failed to open usb device", "error", "claim interface")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugFEC)
	cfg.EnableCategory(logger.DebugSession)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// FEC debugging (only logged if DebugFEC enabled)
	log.DebugFragment(42, 3, true, 1200)

	// Generic category logging
	log.DebugFEC("block recovered", "block_idx", 42)
	log.DebugSession("KEY accepted", "epoch", 5)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/openipc/wfb-link-engine/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("wfb-engine", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/wfb-engine/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json") // Cleanup

	log.Info("session installed",
		"channel_id", "7669462",
		"epoch", 5,
		"fec_k", 8,
		"fec_n", 12)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"session installed","channel_id":"7669462","epoch":5,"fec_k":8,"fec_n":12}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugFEC)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// This will only execute if DebugFEC is enabled
	// No performance overhead if disabled
	log.DebugFragment(7, 0, false, 1400)

	// Category methods automatically check if enabled
	// No manual check needed - zero cost if disabled
	log.DebugRTP("packet sent", "seq", 12345)
}
