// Package config loads node settings with viper. Keys follow the field
// device's JSON config (node.id, lora.*, consensus.*, alert.*, system.*);
// every key can be overridden from the environment with the SENTINEL_
// prefix, e.g. SENTINEL_LORA_NODE_TIMEOUT_SEC=120.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ryandielhenn/sentinelmesh/pkg/alert"
	"github.com/ryandielhenn/sentinelmesh/pkg/detect"
	"github.com/ryandielhenn/sentinelmesh/pkg/mesh"
	"github.com/ryandielhenn/sentinelmesh/pkg/sentinel"
)

type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	LoRa      LoRaConfig      `mapstructure:"lora"`
	Consensus ConsensusConfig `mapstructure:"consensus"`
	Alert     AlertConfig     `mapstructure:"alert"`
	System    SystemConfig    `mapstructure:"system"`

	Link   LinkConfig   `mapstructure:"link"`
	HTTP   HTTPConfig   `mapstructure:"http"`
	Etcd   EtcdConfig   `mapstructure:"etcd"`
	Sensor SensorConfig `mapstructure:"sensor"`
	Vision VisionConfig `mapstructure:"vision"`
	Log    LogConfig    `mapstructure:"log"`
}

type NodeConfig struct {
	ID int `mapstructure:"id"`
}

type LoRaConfig struct {
	FrequencyMHz         float64 `mapstructure:"frequency_mhz"`
	BandwidthKHz         int     `mapstructure:"bandwidth_khz"`
	SpreadingFactor      int     `mapstructure:"spreading_factor"`
	TxPowerDBm           int     `mapstructure:"tx_power_dbm"`
	HeartbeatIntervalSec int     `mapstructure:"heartbeat_interval_sec"`
	NodeTimeoutSec       int     `mapstructure:"node_timeout_sec"`
}

type ConsensusConfig struct {
	Threshold  float64 `mapstructure:"threshold"`
	TimeoutSec int     `mapstructure:"timeout_sec"`
	// ClearOnFailure broadcasts detected=false when consensus is not reached.
	ClearOnFailure bool `mapstructure:"clear_on_failure"`
}

type AlertConfig struct {
	DurationSec int `mapstructure:"duration_sec"`
	// ExtendWhileDetecting keeps the alert up while the local signal lasts.
	ExtendWhileDetecting bool `mapstructure:"extend_while_detecting"`
}

type SystemConfig struct {
	LogLevel  string `mapstructure:"log_level"`
	DebugMode bool   `mapstructure:"debug_mode"`
}

// LinkConfig selects the transport standing in for the radio.
type LinkConfig struct {
	// Kind: udp or loopback
	Kind   string `mapstructure:"kind"`
	Listen string `mapstructure:"listen"`
	// Advertise is the address registered in etcd; defaults to Listen.
	Advertise      string   `mapstructure:"advertise"`
	Peers          []string `mapstructure:"peers"`
	PollIntervalMS int      `mapstructure:"poll_interval_ms"`
	DropCorrupt    bool     `mapstructure:"drop_corrupt"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// EtcdConfig enables discovery and alert publishing when Endpoints is set.
type EtcdConfig struct {
	Endpoints   []string `mapstructure:"endpoints"`
	LeaseTTLSec int      `mapstructure:"lease_ttl_sec"`
}

// SensorConfig points at a file holding the latest gas reading in ppm.
// An empty path disables the sensor.
type SensorConfig struct {
	Path         string  `mapstructure:"path"`
	IntervalMS   int     `mapstructure:"interval_ms"`
	ThresholdPPM float64 `mapstructure:"threshold_ppm"`
	Window       int     `mapstructure:"window"`
	Votes        int     `mapstructure:"votes"`
}

type VisionConfig struct {
	Path       string  `mapstructure:"path"`
	IntervalMS int     `mapstructure:"interval_ms"`
	Threshold  float64 `mapstructure:"threshold"`
	Window     int     `mapstructure:"window"`
}

type LogConfig struct {
	// Level overrides system.log_level when set.
	Level       string         `mapstructure:"level"`
	Format      string         `mapstructure:"format"`
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

func Default() *Config {
	return &Config{
		Node: NodeConfig{ID: 1},
		LoRa: LoRaConfig{
			FrequencyMHz:         433.0,
			BandwidthKHz:         125,
			SpreadingFactor:      12,
			TxPowerDBm:           20,
			HeartbeatIntervalSec: 30,
			NodeTimeoutSec:       90,
		},
		Consensus: ConsensusConfig{Threshold: 0.6, TimeoutSec: 5},
		Alert:     AlertConfig{DurationSec: 60},
		System:    SystemConfig{LogLevel: "info"},
		Link: LinkConfig{
			Kind:           "udp",
			Listen:         ":7946",
			PollIntervalMS: 10,
		},
		HTTP: HTTPConfig{Addr: ":8080"},
		Etcd: EtcdConfig{LeaseTTLSec: 10},
		Sensor: SensorConfig{
			IntervalMS:   1000,
			ThresholdPPM: detect.DefaultSmokeThresholdPPM,
			Window:       detect.DefaultGasWindow,
			Votes:        detect.DefaultGasVotes,
		},
		Vision: VisionConfig{
			IntervalMS: 200,
			Threshold:  detect.DefaultVisionThreshold,
			Window:     detect.DefaultVisionWindow,
		},
		Log: LogConfig{
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/sentinel.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads path if non-empty, otherwise SENTINEL_CONFIG, otherwise a
// sentinel.{json,yaml,toml} in the usual places. A missing file is not an
// error; defaults and environment still apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("SENTINEL_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sentinel")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".sentinel"))
		}
		v.AddConfigPath("/etc/sentinel")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// viper only resolves env overrides for keys it already knows about.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("node.id", c.Node.ID)

	v.SetDefault("lora.frequency_mhz", c.LoRa.FrequencyMHz)
	v.SetDefault("lora.bandwidth_khz", c.LoRa.BandwidthKHz)
	v.SetDefault("lora.spreading_factor", c.LoRa.SpreadingFactor)
	v.SetDefault("lora.tx_power_dbm", c.LoRa.TxPowerDBm)
	v.SetDefault("lora.heartbeat_interval_sec", c.LoRa.HeartbeatIntervalSec)
	v.SetDefault("lora.node_timeout_sec", c.LoRa.NodeTimeoutSec)

	v.SetDefault("consensus.threshold", c.Consensus.Threshold)
	v.SetDefault("consensus.timeout_sec", c.Consensus.TimeoutSec)
	v.SetDefault("consensus.clear_on_failure", c.Consensus.ClearOnFailure)
	v.SetDefault("alert.duration_sec", c.Alert.DurationSec)
	v.SetDefault("alert.extend_while_detecting", c.Alert.ExtendWhileDetecting)
	v.SetDefault("system.log_level", c.System.LogLevel)
	v.SetDefault("system.debug_mode", c.System.DebugMode)

	v.SetDefault("link.kind", c.Link.Kind)
	v.SetDefault("link.listen", c.Link.Listen)
	v.SetDefault("link.advertise", c.Link.Advertise)
	v.SetDefault("link.peers", c.Link.Peers)
	v.SetDefault("link.poll_interval_ms", c.Link.PollIntervalMS)
	v.SetDefault("link.drop_corrupt", c.Link.DropCorrupt)
	v.SetDefault("http.addr", c.HTTP.Addr)
	v.SetDefault("etcd.endpoints", c.Etcd.Endpoints)
	v.SetDefault("etcd.lease_ttl_sec", c.Etcd.LeaseTTLSec)

	v.SetDefault("sensor.path", c.Sensor.Path)
	v.SetDefault("sensor.interval_ms", c.Sensor.IntervalMS)
	v.SetDefault("sensor.threshold_ppm", c.Sensor.ThresholdPPM)
	v.SetDefault("sensor.window", c.Sensor.Window)
	v.SetDefault("sensor.votes", c.Sensor.Votes)
	v.SetDefault("vision.path", c.Vision.Path)
	v.SetDefault("vision.interval_ms", c.Vision.IntervalMS)
	v.SetDefault("vision.threshold", c.Vision.Threshold)
	v.SetDefault("vision.window", c.Vision.Window)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", c.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)
}

func (c *Config) normalize() {
	c.Link.Kind = strings.ToLower(strings.TrimSpace(c.Link.Kind))
	if c.Link.Advertise == "" {
		c.Link.Advertise = c.Link.Listen
	}
	c.System.LogLevel = strings.ToLower(strings.TrimSpace(c.System.LogLevel))
	if strings.TrimSpace(c.Log.Level) == "" {
		c.Log.Level = c.System.LogLevel
		if c.System.DebugMode {
			c.Log.Level = "debug"
		}
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if c.Node.ID < 0 || c.Node.ID >= int(mesh.Broadcast) {
		bad("node.id %d: must be in 0..%d", c.Node.ID, int(mesh.Broadcast)-1)
	}
	if c.LoRa.FrequencyMHz <= 0 {
		bad("lora.frequency_mhz %v: must be positive", c.LoRa.FrequencyMHz)
	}
	if c.LoRa.BandwidthKHz <= 0 {
		bad("lora.bandwidth_khz %d: must be positive", c.LoRa.BandwidthKHz)
	}
	if c.LoRa.SpreadingFactor < 6 || c.LoRa.SpreadingFactor > 12 {
		bad("lora.spreading_factor %d: must be in 6..12", c.LoRa.SpreadingFactor)
	}
	if c.LoRa.TxPowerDBm < 2 || c.LoRa.TxPowerDBm > 20 {
		bad("lora.tx_power_dbm %d: must be in 2..20", c.LoRa.TxPowerDBm)
	}
	if c.LoRa.HeartbeatIntervalSec <= 0 {
		bad("lora.heartbeat_interval_sec %d: must be positive", c.LoRa.HeartbeatIntervalSec)
	}
	if c.LoRa.NodeTimeoutSec <= c.LoRa.HeartbeatIntervalSec {
		bad("lora.node_timeout_sec %d: must exceed heartbeat_interval_sec %d",
			c.LoRa.NodeTimeoutSec, c.LoRa.HeartbeatIntervalSec)
	}
	if c.Consensus.Threshold <= 0 || c.Consensus.Threshold > 1 {
		bad("consensus.threshold %v: must be in (0,1]", c.Consensus.Threshold)
	}
	if c.Consensus.TimeoutSec <= 0 {
		bad("consensus.timeout_sec %d: must be positive", c.Consensus.TimeoutSec)
	}
	if c.Alert.DurationSec <= 0 {
		bad("alert.duration_sec %d: must be positive", c.Alert.DurationSec)
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		bad("log level %q: want debug, info, warn or error", c.Log.Level)
	}
	switch c.Link.Kind {
	case "udp", "loopback":
	default:
		bad("link.kind %q: want udp or loopback", c.Link.Kind)
	}
	if c.Link.PollIntervalMS <= 0 {
		bad("link.poll_interval_ms %d: must be positive", c.Link.PollIntervalMS)
	}
	if c.Sensor.IntervalMS <= 0 || c.Vision.IntervalMS <= 0 {
		bad("sensor/vision interval_ms must be positive")
	}
	if c.Sensor.Votes > c.Sensor.Window {
		bad("sensor.votes %d: exceeds sensor.window %d", c.Sensor.Votes, c.Sensor.Window)
	}
	if c.Vision.Threshold < 0 || c.Vision.Threshold > 1 {
		bad("vision.threshold %v: must be in [0,1]", c.Vision.Threshold)
	}
	if len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTLSec <= 0 {
		bad("etcd.lease_ttl_sec %d: must be positive", c.Etcd.LeaseTTLSec)
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration      { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (c *Config) Mesh() mesh.Config {
	return mesh.Config{
		NodeID:            mesh.NodeID(c.Node.ID),
		HeartbeatInterval: seconds(c.LoRa.HeartbeatIntervalSec),
		NodeTimeout:       seconds(c.LoRa.NodeTimeoutSec),
		PollInterval:      milliseconds(c.Link.PollIntervalMS),
		DropCorrupt:       c.Link.DropCorrupt,
		Radio: mesh.RadioParams{
			FrequencyMHz:    c.LoRa.FrequencyMHz,
			BandwidthKHz:    c.LoRa.BandwidthKHz,
			SpreadingFactor: c.LoRa.SpreadingFactor,
			TxPowerDBm:      c.LoRa.TxPowerDBm,
		},
	}
}

func (c *Config) AlertMachine() alert.Config {
	return alert.Config{
		NodeID:                 mesh.NodeID(c.Node.ID),
		Threshold:              c.Consensus.Threshold,
		ConsensusTimeout:       seconds(c.Consensus.TimeoutSec),
		AlertDuration:          seconds(c.Alert.DurationSec),
		ExtendWhileDetecting:   c.Alert.ExtendWhileDetecting,
		ClearOnFailedConsensus: c.Consensus.ClearOnFailure,
	}
}

func (c *Config) Sentinel() sentinel.Config {
	return sentinel.Config{
		Mesh:           c.Mesh(),
		Alert:          c.AlertMachine(),
		SensorInterval: milliseconds(c.Sensor.IntervalMS),
		VisionInterval: milliseconds(c.Vision.IntervalMS),
		TickInterval:   sentinel.DefaultTickInterval,
	}
}

// Sampler builds the local detector from the sensor and vision settings.
func (c *Config) Sampler(opts ...detect.SamplerOption) *detect.Sampler {
	var (
		gas    detect.GasSensor
		vision detect.VisionDetector
	)
	if c.Sensor.Path != "" {
		gas = detect.FileReading(c.Sensor.Path)
	}
	if c.Vision.Path != "" {
		vision = detect.FileReading(c.Vision.Path)
	}
	opts = append([]detect.SamplerOption{
		detect.WithGasVote(detect.NewGasVote(c.Sensor.ThresholdPPM, c.Sensor.Window, c.Sensor.Votes)),
		detect.WithVisionSmoother(detect.NewVisionSmoother(c.Vision.Threshold, c.Vision.Window)),
	}, opts...)
	return detect.NewSampler(gas, vision, opts...)
}
