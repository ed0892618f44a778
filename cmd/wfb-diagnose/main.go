package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/openipc/wfb-link-engine/internal/wfb/driver"
	"github.com/openipc/wfb-link-engine/internal/wfb/supervisor"
	"github.com/openipc/wfb-link-engine/pkg/config"
	"github.com/openipc/wfb-link-engine/pkg/logger"
)

// wfb-diagnose runs the link engine for a fixed window and reports the
// counters a field technician cares about: devices seen, link score, and
// packet loss. It never calls os.Exit on a degraded link — a diagnostic
// run reports, it doesn't judge.
func main() {
	fs := flag.NewFlagSet("wfb-diagnose", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	envPath := fs.String("env", ".env", "path to the engine's key=value config file")
	deviceIndex := fs.Int("device", 0, "index into list_devices() of the adapter to probe")
	duration := fs.Int("seconds", 10, "how long to sample the link before reporting")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Probe a wfb link for a fixed window and report signal/loss stats\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
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

	cfg, err := config.Load(*envPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	sv := supervisor.New(noDeviceLister{}, func(driver.DeviceID) (driver.Device, error) {
		return nil, fmt.Errorf("no radio driver linked into this build")
	}, log)

	devices, err := sv.ListDevices()
	if err != nil {
		log.Error("failed to list devices", "error", err)
		os.Exit(1)
	}
	fmt.Printf("found %d adapter(s)\n", len(devices))
	for i, d := range devices {
		fmt.Printf("  [%d] %s (vid=%04x pid=%04x)\n", i, d.DisplayName, d.VendorID, d.ProductID)
	}
	if len(devices) == 0 || *deviceIndex >= len(devices) {
		fmt.Println("no adapter available at the requested index; nothing to probe")
		return
	}

	keypairBytes, err := os.ReadFile(cfg.Link.KeypairPath)
	if err != nil {
		log.Error("failed to read keypair file", "path", cfg.Link.KeypairPath, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(*duration)*time.Second)
	defer cancel()

	ok, err := sv.Start(ctx, supervisor.StartParams{
		Device:          devices[*deviceIndex],
		Channel:         cfg.Link.Channel,
		ChannelWidth:    cfg.Link.ChannelWidth,
		KeypairPath:     cfg.Link.KeypairPath,
		RTPSinkEndpoint: cfg.Link.RTPSinkAddr,
		SDPOutputPath:   cfg.Link.SDPOutputPath,
		AlinkEnabled:    false,
	}, keypairBytes)
	if err != nil || !ok {
		fmt.Printf("start failed: %v\n", err)
		os.Exit(1)
	}

	<-ctx.Done()
	sv.Stop()

	score := sv.GetLinkScore()
	fmt.Printf("link_score: [%.1f, %.1f]\n", score[0], score[1])
	fmt.Printf("packet_loss: %d\n", sv.GetPacketLoss())
}

type noDeviceLister struct{}

func (noDeviceLister) ListDevices() ([]driver.DeviceID, error) {
	return nil, nil
}
