// Package config loads the TOML-driven session configuration named in
// SPEC_FULL.md §2: channel format table, PMRing size and policy, network
// host/port, and the TPIU framing flag (relaxed ITM sync is not a config
// field; the CLI sets it on the ITM decoder), grounded on the teacher's `danmuck-edgectl`-derived
// BurntSushi/toml usage (see DESIGN.md).
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"github.com/dragonmux/orbuculum/pmring"
)

// DefaultChannelFormat is the printf-style template channel 0 gets when a
// config omits it, so a fresh config is immediately useful (§9 "Channel 0
// default format" supplement, carried from the original's own default).
const DefaultChannelFormat = "%c"

// DefaultNetworkPort is NWCLIENT_SERVER_PORT's default, matching the
// original's reserved port.
const DefaultNetworkPort = 3443

// HWFIFOName is the fixed filename for the hardware-channel FIFO/file,
// distinct from the numbered software channels (§6).
const HWFIFOName = "hwevent"

// Channel describes one ITM software-channel's output routing and
// formatting (§6 "Channel format strings").
type Channel struct {
	Name   string `toml:"name"`
	Format string `toml:"format"`
	// Permafile selects O_TRUNC|O_CREATE|O_WRONLY file output over a
	// named pipe for this channel (§6).
	Permafile bool `toml:"permafile"`
}

// Config is the full session configuration.
type Config struct {
	// ChanPath is the directory FIFOs/permafiles are created under
	// ("{chanPath}{chanName}", §6).
	ChanPath string `toml:"chan_path"`

	// Channels maps a software-channel number (0-31) to its routing.
	Channels map[int]Channel `toml:"channels"`

	// TPIUEnabled selects TPIU-framed input over raw ITM passthrough.
	TPIUEnabled bool `toml:"tpiu_enabled"`

	// RingCapacity sizes the post-mortem PMRing; zero uses
	// pmring.DefaultCapacity.
	RingCapacity int `toml:"ring_capacity"`

	// RingPolicy is "running" or "single-shot" (§4.4).
	RingPolicy string `toml:"ring_policy"`

	// NetworkHost/NetworkPort address the TCP trace source.
	NetworkHost string `toml:"network_host"`
	NetworkPort int    `toml:"network_port"`

	// Verbose mirrors the CLI -v flag's effect on log level.
	Verbose bool `toml:"verbose"`
}

// Default returns a Config usable with no file at all: channel 0 present
// with DefaultChannelFormat, localhost networking, running-mode ring at
// the default capacity.
func Default() Config {
	return Config{
		ChanPath:     "/tmp/orbuculum/",
		Channels:     map[int]Channel{0: {Name: "channel0", Format: DefaultChannelFormat}},
		TPIUEnabled:  true,
		RingCapacity: pmring.DefaultCapacity,
		RingPolicy:   "running",
		NetworkHost:  "localhost",
		NetworkPort:  DefaultNetworkPort,
	}
}

// Load reads a TOML config file, filling any field the file omits from
// Default().
func Load(path string) (Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode %s: %w", path, err)
	}
	if cfg.Channels == nil {
		cfg.Channels = map[int]Channel{}
	}
	if _, ok := cfg.Channels[0]; !ok {
		cfg.Channels[0] = Channel{Name: "channel0", Format: DefaultChannelFormat}
	}
	return cfg, nil
}

// RingPolicyValue maps the string RingPolicy onto pmring.Policy,
// defaulting to PolicyRunning for an empty or unrecognised value.
func (c Config) RingPolicyValue() pmring.Policy {
	if c.RingPolicy == "single-shot" {
		return pmring.PolicySingleShot
	}
	return pmring.PolicyRunning
}
