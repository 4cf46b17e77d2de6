// Copyright 2025 The go-zeromq Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config loads the YAML configuration of a meshbus node.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/destiny/meshbus"
	"github.com/destiny/meshbus/wire"
)

// Config is the node configuration file
type Config struct {
	Bus     BusConfig     `yaml:"bus"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`

	path string
}

// BusConfig holds the UDP bus settings
type BusConfig struct {
	// Listen is the UDP host:port to bind
	Listen string `yaml:"listen"`

	// Endpoint forces the first endpoint id; 0 picks one at random
	Endpoint uint32 `yaml:"endpoint,omitempty"`

	// Netmask is applied to the bound address to find the broadcast address,
	// either dotted ("255.255.255.0") or as a prefix length ("/24")
	Netmask string `yaml:"netmask"`

	// Broadcast overrides the computed broadcast host:port
	Broadcast string `yaml:"broadcast,omitempty"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	Expiration        time.Duration `yaml:"expiration"`
	NakRetryLimit     int           `yaml:"nak_retry_limit"`
	NakInterval       time.Duration `yaml:"nak_interval"`
	InsertGrace       time.Duration `yaml:"insert_grace"`
	RetransmitWindow  time.Duration `yaml:"retransmit_window"`
	ReorderMaxAge     time.Duration `yaml:"reorder_max_age"`
	MaxPayload        int           `yaml:"max_payload"`
	RetransmitRate    float64       `yaml:"retransmit_rate"`
	RetransmitBurst   int           `yaml:"retransmit_burst"`
	QueueCapacity     int           `yaml:"queue_capacity"`
}

// BridgeConfig holds the TCP relay settings. An empty Listen and no Peers
// disables the bridge.
type BridgeConfig struct {
	Listen    string   `yaml:"listen,omitempty"`
	Advertise string   `yaml:"advertise,omitempty"` // TCP address carried in heartbeats
	Peers     []string `yaml:"peers,omitempty"`
	Hub       bool     `yaml:"hub,omitempty"`
}

// Enabled reports whether any bridge link is configured
func (b *BridgeConfig) Enabled() bool {
	return b.Listen != "" || len(b.Peers) > 0
}

// LogConfig selects the log level
type LogConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig configures the prometheus endpoint. An empty Listen
// disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen,omitempty"`
	Path   string `yaml:"path"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Listen:            fmt.Sprintf("0.0.0.0:%d", meshbus.DefaultPort),
			Netmask:           net.IP(meshbus.DefaultNetmask).String(),
			HeartbeatInterval: meshbus.DefaultHeartbeatInterval,
			Expiration:        meshbus.DefaultExpiration,
			NakRetryLimit:     meshbus.DefaultNakRetryLimit,
			NakInterval:       meshbus.DefaultNakInterval,
			InsertGrace:       meshbus.DefaultInsertGrace,
			RetransmitWindow:  meshbus.DefaultRetransmitWindow,
			ReorderMaxAge:     meshbus.DefaultReorderMaxAge,
			MaxPayload:        wire.DefaultMaxPayload,
			RetransmitRate:    meshbus.DefaultRetransmitRate,
			RetransmitBurst:   meshbus.DefaultRetransmitBurst,
			QueueCapacity:     meshbus.DefaultQueueCapacity,
		},
		Log:     LogConfig{Level: meshbus.LogLevelInfo.String()},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Load reads the file at path over the defaults and validates the result
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	cfg.path = path
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	return c.path
}

// Marshal encodes the configuration as YAML
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks every setting, returning a *meshbus.ConfigurationError
func (c *Config) Validate() error {
	if _, err := hostPort("bus.listen", c.Bus.Listen); err != nil {
		return err
	}
	if _, err := c.netmask(); err != nil {
		return err
	}
	if c.Bus.Broadcast != "" {
		if _, err := hostPort("bus.broadcast", c.Bus.Broadcast); err != nil {
			return err
		}
	}
	if c.Bridge.Listen != "" {
		if _, err := hostPort("bridge.listen", c.Bridge.Listen); err != nil {
			return err
		}
	}
	if c.Bridge.Advertise != "" {
		if _, err := hostPort("bridge.advertise", c.Bridge.Advertise); err != nil {
			return err
		}
	}
	for _, p := range c.Bridge.Peers {
		if _, err := hostPort("bridge.peers", p); err != nil {
			return err
		}
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	if c.Metrics.Listen != "" {
		if _, err := hostPort("metrics.listen", c.Metrics.Listen); err != nil {
			return err
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return &meshbus.ConfigurationError{Field: "metrics.path", Value: c.Metrics.Path, Reason: "must start with /"}
		}
	}
	if c.Bus.RetransmitRate <= 0 || c.Bus.RetransmitBurst < 1 {
		return &meshbus.ConfigurationError{Field: "bus.retransmit_rate", Value: c.Bus.RetransmitRate, Reason: "rate and burst must be positive"}
	}

	opts, err := c.BusOptions(meshbus.DevNullLogger)
	if err != nil {
		return err
	}
	return meshbus.ValidateOptions(opts...)
}

// LogLevel parses log.level
func (c *Config) LogLevel() (meshbus.LogLevel, error) {
	level, err := meshbus.ParseLogLevel(c.Log.Level)
	if err != nil {
		return 0, &meshbus.ConfigurationError{Field: "log.level", Value: c.Log.Level, Reason: err.Error()}
	}
	return level, nil
}

// BusURI is the reactor URI of the UDP socket
func (c *Config) BusURI() string {
	return "udp://" + c.Bus.Listen
}

// BridgeURI is the reactor URI of the bridge listener, empty when the
// bridge does not accept links
func (c *Config) BridgeURI() string {
	if c.Bridge.Listen == "" {
		return ""
	}
	return "tcp://" + c.Bridge.Listen
}

// BusOptions converts the bus and bridge sections into bus options
func (c *Config) BusOptions(log *meshbus.Logger) ([]meshbus.Option, error) {
	mask, err := c.netmask()
	if err != nil {
		return nil, err
	}

	b := &c.Bus
	opts := []meshbus.Option{
		meshbus.WithLogger(log),
		meshbus.WithNetmask(mask),
		meshbus.WithHeartbeatInterval(b.HeartbeatInterval),
		meshbus.WithExpiration(b.Expiration),
		meshbus.WithNakRetryLimit(b.NakRetryLimit),
		meshbus.WithNakInterval(b.NakInterval),
		meshbus.WithInsertGrace(b.InsertGrace),
		meshbus.WithRetransmitWindow(b.RetransmitWindow),
		meshbus.WithReorderMaxAge(b.ReorderMaxAge),
		meshbus.WithMaxPayload(b.MaxPayload),
		meshbus.WithRetransmitRate(b.RetransmitRate, b.RetransmitBurst),
		meshbus.WithQueueCapacity(b.QueueCapacity),
	}
	if b.Endpoint != 0 {
		opts = append(opts, meshbus.WithEndpoint(b.Endpoint))
	}
	if b.Broadcast != "" {
		addr, err := net.ResolveUDPAddr("udp4", b.Broadcast)
		if err != nil {
			return nil, &meshbus.ConfigurationError{Field: "bus.broadcast", Value: b.Broadcast, Reason: err.Error()}
		}
		opts = append(opts, meshbus.WithBroadcastAddress(addr))
	}
	if adv := c.Bridge.Advertise; adv != "" {
		opts = append(opts, meshbus.WithTCPAddress(adv))
	} else if c.Bridge.Listen != "" {
		opts = append(opts, meshbus.WithTCPAddress(c.Bridge.Listen))
	}
	return opts, nil
}

func (c *Config) netmask() (net.IPMask, error) {
	s := strings.TrimSpace(c.Bus.Netmask)
	if bits, ok := strings.CutPrefix(s, "/"); ok {
		n, err := strconv.Atoi(bits)
		if err != nil || n < 0 || n > 32 {
			return nil, &meshbus.ConfigurationError{Field: "bus.netmask", Value: c.Bus.Netmask, Reason: "prefix length must be 0..32"}
		}
		return net.CIDRMask(n, 32), nil
	}

	ip := net.ParseIP(s)
	if ip == nil || ip.To4() == nil {
		return nil, &meshbus.ConfigurationError{Field: "bus.netmask", Value: c.Bus.Netmask, Reason: "not an IPv4 mask"}
	}
	v4 := ip.To4()
	return net.IPv4Mask(v4[0], v4[1], v4[2], v4[3]), nil
}

func hostPort(field, s string) (int, error) {
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return 0, &meshbus.ConfigurationError{Field: field, Value: s, Reason: err.Error()}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return 0, &meshbus.ConfigurationError{Field: field, Value: s, Reason: "invalid port"}
	}
	return n, nil
}
