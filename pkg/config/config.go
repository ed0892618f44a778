// Package config loads link-engine configuration from a flat key=value file.
package config

import (
	"bufio"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all settings for a single link-engine instance.
type Config struct {
	Link  LinkConfig
	Alink AlinkConfig
}

// LinkConfig holds the parameters needed to claim a device and open a session.
type LinkConfig struct {
	KeypairPath   string
	LinkID        uint32
	Channel       uint8
	ChannelWidth  int
	RTPSinkAddr   string // host:port, e.g. 127.0.0.1:52356
	SDPOutputPath string
}

// AlinkConfig holds adaptive-link uplink settings.
type AlinkConfig struct {
	Enabled    bool
	Endpoint   string // host:port of the loopback telemetry socket
	TXPowerMW  int
	TunEnabled bool
	TunDevice  string
}

// Load reads configuration from a flat `key=value` file, one setting per line.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer file.Close()

	cfg := &Config{
		Link: LinkConfig{
			LinkID:        7669206,
			Channel:       161,
			ChannelWidth:  20,
			RTPSinkAddr:   "127.0.0.1:52356",
			SDPOutputPath: "stream.sdp",
		},
		Alink: AlinkConfig{
			Enabled:   true,
			Endpoint:  "127.0.0.1:8001",
			TXPowerMW: 30,
		},
	}

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}

		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		decodedValue, err := url.QueryUnescape(value)
		if err != nil {
			// If decode fails, use original value
			decodedValue = value
		}

		if err := cfg.set(key, decodedValue); err != nil {
			return nil, fmt.Errorf("parse %s: %w", key, err)
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) set(key, value string) error {
	switch key {
	case "keypair_path":
		c.Link.KeypairPath = value
	case "link_id":
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return err
		}
		c.Link.LinkID = uint32(n)
	case "channel":
		n, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return err
		}
		c.Link.Channel = uint8(n)
	case "channel_width":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Link.ChannelWidth = n
	case "rtp_sink_addr":
		c.Link.RTPSinkAddr = value
	case "sdp_output_path":
		c.Link.SDPOutputPath = value
	case "alink_enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.Alink.Enabled = b
	case "alink_endpoint":
		c.Alink.Endpoint = value
	case "alink_tx_power_mw":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		c.Alink.TXPowerMW = n
	case "tun_enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		c.Alink.TunEnabled = b
	case "tun_device":
		c.Alink.TunDevice = value
	}
	return nil
}

// Validate checks that all required configuration fields are present and sane.
func (c *Config) Validate() error {
	if c.Link.KeypairPath == "" {
		return fmt.Errorf("missing keypair_path")
	}
	if c.Link.Channel == 0 {
		return fmt.Errorf("missing channel")
	}
	if c.Alink.TXPowerMW < 1 || c.Alink.TXPowerMW > 40 {
		return fmt.Errorf("alink_tx_power_mw out of range [1, 40]: %d", c.Alink.TXPowerMW)
	}
	return nil
}
