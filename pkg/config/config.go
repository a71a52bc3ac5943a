// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"iscsikit/pkg/negotiation"
)

const EnvPrefix = "ISCSIKIT"

type Config struct {
	Portals     []string          `mapstructure:"portals" yaml:"portals"`
	API         APIConfig         `mapstructure:"api" yaml:"api"`
	Metrics     MetricsConfig     `mapstructure:"metrics" yaml:"metrics"`
	Log         LogConfig         `mapstructure:"log" yaml:"log"`
	Nop         NopConfig         `mapstructure:"nop" yaml:"nop"`
	Session     SessionConfig     `mapstructure:"session" yaml:"session"`
	Negotiation NegotiationConfig `mapstructure:"negotiation" yaml:"negotiation"`
	Targets     []TargetConfig    `mapstructure:"targets" yaml:"targets"`
}

type APIConfig struct {
	Socket string `mapstructure:"socket" yaml:"socket"`
}

type MetricsConfig struct {
	// Address of the /metrics and pprof listener; empty disables it.
	Address string `mapstructure:"address" yaml:"address"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type NopConfig struct {
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type SessionConfig struct {
	MaxQueueCommands uint32 `mapstructure:"max_queue_commands" yaml:"max_queue_commands"`
}

// NegotiationConfig holds the values the target offers during login.
type NegotiationConfig struct {
	MaxRecvDataSegmentLength uint32 `mapstructure:"max_recv_data_segment_length" yaml:"max_recv_data_segment_length"`
	MaxBurstLength           uint32 `mapstructure:"max_burst_length" yaml:"max_burst_length"`
	FirstBurstLength         uint32 `mapstructure:"first_burst_length" yaml:"first_burst_length"`
	InitialR2T               bool   `mapstructure:"initial_r2t" yaml:"initial_r2t"`
	ImmediateData            bool   `mapstructure:"immediate_data" yaml:"immediate_data"`
	HeaderDigest             bool   `mapstructure:"header_digest" yaml:"header_digest"`
	DataDigest               bool   `mapstructure:"data_digest" yaml:"data_digest"`
	DefaultTime2Wait         uint32 `mapstructure:"default_time2wait" yaml:"default_time2wait"`
	DefaultTime2Retain       uint32 `mapstructure:"default_time2retain" yaml:"default_time2retain"`
	MaxOutstandingR2T        uint32 `mapstructure:"max_outstanding_r2t" yaml:"max_outstanding_r2t"`
}

type TargetConfig struct {
	Name  string      `mapstructure:"name" yaml:"name"`
	Alias string      `mapstructure:"alias" yaml:"alias,omitempty"`
	LUNs  []LUNConfig `mapstructure:"luns" yaml:"luns"`
}

type LUNConfig struct {
	// Path of the backing file; ":memory:" keeps the data in RAM.
	Path      string `mapstructure:"path" yaml:"path"`
	Size      string `mapstructure:"size" yaml:"size,omitempty"`
	BlockSize uint32 `mapstructure:"block_size" yaml:"block_size,omitempty"`
}

// SizeBytes parses Size, e.g. "1GiB" or "512M". An empty size is zero.
func (lun LUNConfig) SizeBytes() (uint64, error) {
	if lun.Size == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(lun.Size)
	if err != nil {
		return 0, fmt.Errorf("lun %s: %w", lun.Path, err)
	}
	return size, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("portals", []string{"0.0.0.0:3260"})
	v.SetDefault("api.socket", "/tmp/iscsikit.sock")
	v.SetDefault("metrics.address", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("nop.interval", 30*time.Second)
	v.SetDefault("nop.timeout", 10*time.Second)
	v.SetDefault("session.max_queue_commands", 128)
	v.SetDefault("negotiation.max_recv_data_segment_length", 65536)
	v.SetDefault("negotiation.max_burst_length", 262144)
	v.SetDefault("negotiation.first_burst_length", 65536)
	v.SetDefault("negotiation.initial_r2t", false)
	v.SetDefault("negotiation.immediate_data", true)
	v.SetDefault("negotiation.header_digest", false)
	v.SetDefault("negotiation.data_digest", false)
	v.SetDefault("negotiation.default_time2wait", 2)
	v.SetDefault("negotiation.default_time2retain", 20)
	v.SetDefault("negotiation.max_outstanding_r2t", 1)
}

// Load reads the YAML file at path, when given, on top of the defaults.
// Every scalar can be overridden through ISCSIKIT_<SECTION>_<KEY>.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
	}
	config := &Config{}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (config *Config) Validate() error {
	if len(config.Portals) == 0 {
		return fmt.Errorf("at least one portal is required")
	}
	if config.Nop.Interval > 0 && config.Nop.Timeout <= 0 {
		return fmt.Errorf("nop.timeout must be positive when nop.interval is set")
	}
	if err := config.Negotiation.Validate(); err != nil {
		return err
	}
	names := map[string]bool{}
	for _, target := range config.Targets {
		if target.Name == "" {
			return fmt.Errorf("target without a name")
		}
		if names[target.Name] {
			return fmt.Errorf("target %s is listed twice", target.Name)
		}
		names[target.Name] = true
		for _, lun := range target.LUNs {
			if lun.Path == "" {
				return fmt.Errorf("target %s has a lun without a path", target.Name)
			}
			if _, err := lun.SizeBytes(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Validate checks every value against the ranges of RFC 3720 by
// running it through the negotiation parameter parser.
func (negotiationConfig NegotiationConfig) Validate() error {
	parameters := negotiation.DefaultParameters()
	settings := negotiationConfig.Settings()
	for _, key := range settings.Keys() {
		if err := parameters.Set(key, settings.Value(key)); err != nil {
			return fmt.Errorf("negotiation: %w", err)
		}
	}
	return nil
}

// Settings renders the target's own values for the login negotiator.
func (negotiationConfig NegotiationConfig) Settings() *negotiation.Settings {
	settings := negotiation.NewSettings()
	number := func(key negotiation.Key, value uint32) {
		settings.Set(key, strconv.FormatUint(uint64(value), 10))
	}
	flag := func(key negotiation.Key, value bool) {
		if value {
			settings.Set(key, negotiation.Yes)
		} else {
			settings.Set(key, negotiation.No)
		}
	}
	digest := func(key negotiation.Key, value bool) {
		if value {
			settings.Set(key, negotiation.CRC32C+","+negotiation.None)
		} else {
			settings.Set(key, negotiation.None)
		}
	}
	number(negotiation.KeyMaxRecvDataSegmentLength, negotiationConfig.MaxRecvDataSegmentLength)
	number(negotiation.KeyMaxBurstLength, negotiationConfig.MaxBurstLength)
	number(negotiation.KeyFirstBurstLength, negotiationConfig.FirstBurstLength)
	flag(negotiation.KeyInitialR2T, negotiationConfig.InitialR2T)
	flag(negotiation.KeyImmediateData, negotiationConfig.ImmediateData)
	digest(negotiation.KeyHeaderDigest, negotiationConfig.HeaderDigest)
	digest(negotiation.KeyDataDigest, negotiationConfig.DataDigest)
	number(negotiation.KeyDefaultTime2Wait, negotiationConfig.DefaultTime2Wait)
	number(negotiation.KeyDefaultTime2Retain, negotiationConfig.DefaultTime2Retain)
	number(negotiation.KeyMaxOutstandingR2T, negotiationConfig.MaxOutstandingR2T)
	return settings
}

// Dump renders the effective configuration as YAML.
func (config *Config) Dump() ([]byte, error) {
	return yaml.Marshal(config)
}
