package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"cloudreg/align"
)

// Config is the on-disk application configuration.
type Config struct {
	HTTP     HTTPConfig      `yaml:"http" json:"http"`
	MQTT     MQTTConfig      `yaml:"mqtt" json:"mqtt"`
	ICP      align.ICPParams `yaml:"icp" json:"icp"`
	Quality  QualityConfig   `yaml:"quality" json:"quality"`
	Viewer   ViewerConfig    `yaml:"viewer" json:"viewer"`
	LogLevel string          `yaml:"log_level" json:"logLevel"`

	// Pairs seeds the engine with manual correspondences, used by the
	// register mode.
	Pairs []align.PointPair `yaml:"pairs" json:"pairs"`
}

// QualityConfig bounds the residuals an alignment may have before it is
// flagged as poor. Zero disables the check.
type QualityConfig struct {
	RMSLimit float64 `yaml:"rms_limit" json:"rmsLimit"`
	MaxLimit float64 `yaml:"max_limit" json:"maxLimit"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	Broker      string `yaml:"broker" json:"broker"`
	ClientID    string `yaml:"client_id" json:"clientId"`
	TopicPrefix string `yaml:"topic_prefix" json:"topicPrefix"`
	Username    string `yaml:"username" json:"username"`
	Password    string `yaml:"password" json:"password"`
}

type ViewerConfig struct {
	OctreeDepth    int     `yaml:"octree_depth" json:"octreeDepth"`
	OctreeLeafCap  int     `yaml:"octree_leaf_cap" json:"octreeLeafCap"`
	SnapshotWidth  float64 `yaml:"snapshot_width" json:"snapshotWidth"`
	SnapshotHeight float64 `yaml:"snapshot_height" json:"snapshotHeight"`
}

// DefaultConfig returns the settings used when no file is given.
func DefaultConfig() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "cloudreg",
			TopicPrefix: "cloudreg",
		},
		ICP: align.DefaultICPParams(),
		Quality: QualityConfig{
			RMSLimit: 0.05,
			MaxLimit: 0.15,
		},
		Viewer: ViewerConfig{
			OctreeDepth:    8,
			OctreeLeafCap:  256,
			SnapshotWidth:  200,
			SnapshotHeight: 200,
		},
		LogLevel: "info",
	}
}

// LoadConfig reads and validates a YAML configuration. Missing fields
// keep their defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field ranges and reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if c.HTTP.Addr == "" {
		problems = append(problems, "http.addr must not be empty")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		problems = append(problems, "mqtt.broker required when mqtt is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.ClientID == "" {
		problems = append(problems, "mqtt.client_id required when mqtt is enabled")
	}
	if c.ICP.MaxIterations <= 0 {
		problems = append(problems, "icp.max_iterations must be positive")
	}
	if c.ICP.ConvergenceThreshold < 0 {
		problems = append(problems, "icp.convergence_threshold must not be negative")
	}
	if c.ICP.SubsamplingRatio <= 0 || c.ICP.SubsamplingRatio > 1 {
		problems = append(problems, "icp.subsampling_ratio must be in (0, 1]")
	}
	if c.Quality.RMSLimit < 0 || c.Quality.MaxLimit < 0 {
		problems = append(problems, "quality limits must not be negative")
	}
	if c.Viewer.OctreeDepth < 1 || c.Viewer.OctreeDepth > 21 {
		problems = append(problems, "viewer.octree_depth must be in [1, 21]")
	}
	if c.Viewer.OctreeLeafCap < 1 {
		problems = append(problems, "viewer.octree_leaf_cap must be positive")
	}
	if c.Viewer.SnapshotWidth <= 0 || c.Viewer.SnapshotHeight <= 0 {
		problems = append(problems, "viewer snapshot dimensions must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%d problem(s): %v", len(problems), problems)
	}
	return nil
}
