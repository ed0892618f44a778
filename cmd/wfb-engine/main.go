package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openipc/wfb-link-engine/internal/wfb/driver"
	"github.com/openipc/wfb-link-engine/internal/wfb/supervisor"
	"github.com/openipc/wfb-link-engine/pkg/config"
	"github.com/openipc/wfb-link-engine/pkg/logger"
)

func main() {
	fs := flag.NewFlagSet("wfb-engine", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to the engine's key=value config file")
	deviceIndex := fs.Int("device", 0, "index into list_devices() of the adapter to claim")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "wfb ground-station link engine\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	logger.SetDefault(log)

	log.Info("starting wfb link engine", "log_config", logFlags.String())

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	log.Info("configuration loaded", "link_id", cfg.Link.LinkID, "channel", cfg.Link.Channel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	sv := supervisor.New(newLister(), newOpener(log), log)

	devices, err := sv.ListDevices()
	if err != nil {
		log.Error("failed to list devices", "error", err)
		os.Exit(1)
	}
	if len(devices) == 0 {
		log.Warn("no radio adapters found")
		os.Exit(0)
	}
	if *deviceIndex >= len(devices) {
		log.Error("device index out of range", "index", *deviceIndex, "count", len(devices))
		os.Exit(1)
	}

	log.Info("radio adapters discovered", "count", len(devices))
	for i, d := range devices {
		log.Info("adapter", "index", i, "display_name", d.DisplayName)
	}

	keypairBytes, err := os.ReadFile(cfg.Link.KeypairPath)
	if err != nil {
		log.Error("failed to read keypair file", "path", cfg.Link.KeypairPath, "error", err)
		os.Exit(1)
	}

	ok, err := sv.Start(ctx, supervisor.StartParams{
		Device:          devices[*deviceIndex],
		Channel:         cfg.Link.Channel,
		ChannelWidth:    cfg.Link.ChannelWidth,
		KeypairPath:     cfg.Link.KeypairPath,
		RTPSinkEndpoint: cfg.Link.RTPSinkAddr,
		SDPOutputPath:   cfg.Link.SDPOutputPath,
		AlinkEnabled:    cfg.Alink.Enabled,
		AlinkEndpoint:   cfg.Alink.Endpoint,
		AlinkTXPowerMW:  cfg.Alink.TXPowerMW,
	}, keypairBytes)
	if err != nil || !ok {
		log.Error("failed to start link", "error", err)
		os.Exit(1)
	}
	defer sv.Stop()

	log.Info("link running - press Ctrl+C to stop")

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("graceful shutdown complete")
			return
		case <-statsTicker.C:
			score := sv.GetLinkScore()
			log.Info("link statistics",
				"link_score_0", score[0],
				"link_score_1", score[1],
				"packet_loss", sv.GetPacketLoss())
		}
	}
}

// newLister and newOpener are the seams where the real USB driver plugs
// in; this build has no driver implementation (spec §1 Non-goals), so they
// report no devices rather than linking in hardware-specific code.
func newLister() driver.Lister {
	return noDeviceLister{}
}

func newOpener(log *logger.Logger) func(driver.DeviceID) (driver.Device, error) {
	return func(id driver.DeviceID) (driver.Device, error) {
		return nil, fmt.Errorf("no radio driver linked into this build")
	}
}

type noDeviceLister struct{}

func (noDeviceLister) ListDevices() ([]driver.DeviceID, error) {
	return nil, nil
}
