package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nidhogg/streamrl/internal/learner"
	"github.com/nidhogg/streamrl/internal/version"
)

// Config is the top-level configuration structure.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Inference   InferenceConfig   `json:"inference" yaml:"inference"`
	Actor       ActorConfig       `json:"actor" yaml:"actor"`
	Learner     LearnerConfig     `json:"learner" yaml:"learner"`
	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Transport   TransportConfig   `json:"transport" yaml:"transport"`
	Alert       AlertConfig       `json:"alert" yaml:"alert"`
}

type ServerConfig struct {
	Port     int    `json:"port" yaml:"port"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

type CoordinatorConfig struct {
	URL              string        `json:"url" yaml:"url"`
	HeartbeatTimeout Duration      `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	SweepInterval    Duration      `json:"sweep_interval" yaml:"sweep_interval"`
	SnapshotEvery    int           `json:"snapshot_every" yaml:"snapshot_every"`
	Journal          JournalConfig `json:"journal" yaml:"journal"`
	RolloutPrecision string        `json:"rollout_precision" yaml:"rollout_precision"`
}

type JournalConfig struct {
	Driver string `json:"driver" yaml:"driver"` // memory | postgres | sqlite
	DSN    string `json:"dsn" yaml:"dsn"`
}

type InferenceConfig struct {
	ID             string   `json:"id" yaml:"id"`
	URL            string   `json:"url" yaml:"url"`
	CoalesceWindow Duration `json:"coalesce_window" yaml:"coalesce_window"`
	MaxBatch       int      `json:"max_batch" yaml:"max_batch"`
	StrictVersion  bool     `json:"strict_version" yaml:"strict_version"`
	PollInterval   Duration `json:"poll_interval" yaml:"poll_interval"`
	GRPCPort       int      `json:"grpc_port" yaml:"grpc_port"`
	Seed           int64    `json:"seed" yaml:"seed"`
}

type ActorConfig struct {
	ID             string      `json:"id" yaml:"id"`
	Environments   int         `json:"environments" yaml:"environments"`
	EnvKind        string      `json:"env_kind" yaml:"env_kind"`
	Seed           int64       `json:"seed" yaml:"seed"`
	FlushTurns     int         `json:"flush_turns" yaml:"flush_turns"`
	FlushInterval  Duration    `json:"flush_interval" yaml:"flush_interval"`
	MaxSteps       int64       `json:"max_steps" yaml:"max_steps"`
	MaxEpisodes    int64       `json:"max_episodes" yaml:"max_episodes"`
	RestartOnFault bool        `json:"restart_on_fault" yaml:"restart_on_fault"`
	MaxRestarts    int         `json:"max_restarts" yaml:"max_restarts"`
	InferenceURLs  []string    `json:"inference_urls" yaml:"inference_urls"`
	LearnerURL     string      `json:"learner_url" yaml:"learner_url"`
	Retry          RetryConfig `json:"retry" yaml:"retry"`
}

type RetryConfig struct {
	Initial    Duration `json:"initial" yaml:"initial"`
	Max        Duration `json:"max" yaml:"max"`
	MaxElapsed Duration `json:"max_elapsed" yaml:"max_elapsed"`
}

type LearnerConfig struct {
	ID             string      `json:"id" yaml:"id"`
	URL            string      `json:"url" yaml:"url"`
	Partition      int         `json:"partition" yaml:"partition"`
	QueueCapacity  int         `json:"queue_capacity" yaml:"queue_capacity"`
	ReorderWindow  int         `json:"reorder_window" yaml:"reorder_window"`
	Trigger        string      `json:"trigger" yaml:"trigger"`
	StalenessBound uint64      `json:"staleness_bound" yaml:"staleness_bound"`
	StalePolicy    string      `json:"stale_policy" yaml:"stale_policy"`
	StaleDecay     float64     `json:"stale_decay" yaml:"stale_decay"`
	ClipRatio      float64     `json:"clip_ratio" yaml:"clip_ratio"`
	Precision      string      `json:"precision" yaml:"precision"`
	CheckpointDir  string      `json:"checkpoint_dir" yaml:"checkpoint_dir"`
	LearningRate   float64     `json:"learning_rate" yaml:"learning_rate"`
	MaxRederive    int         `json:"max_rederive" yaml:"max_rederive"`
	Retry          RetryConfig `json:"retry" yaml:"retry"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres" yaml:"postgres"`
	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Neo4j    Neo4jConfig    `json:"neo4j" yaml:"neo4j"`
}

type PostgresConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

type Neo4jConfig struct {
	URI      string `json:"uri" yaml:"uri"`
	User     string `json:"user" yaml:"user"`
	Password string `json:"password" yaml:"password"`
}

type RedisConfig struct {
	URL string `json:"url" yaml:"url"`
}

type TransportConfig struct {
	Shards string `json:"shards" yaml:"shards"` // http | redis
	Swap   string `json:"swap" yaml:"swap"`     // http | redis
	// Partitions splits the redis shard stream by environment; each
	// learner owns exactly one partition.
	Partitions int `json:"partitions" yaml:"partitions"`
}

type AlertConfig struct {
	Slack   ChannelConfig `json:"slack" yaml:"slack"`
	Discord ChannelConfig `json:"discord" yaml:"discord"`
}

type ChannelConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	BotToken string `json:"bot_token" yaml:"bot_token"`
	Channel  string `json:"channel" yaml:"channel"`
}

// Duration accepts "250ms", "5s" and friends in both JSON and YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", text, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns a configuration that runs every role on one machine.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080, LogLevel: "info"},
		Coordinator: CoordinatorConfig{
			URL:              "http://localhost:8080",
			HeartbeatTimeout: Duration(15 * time.Second),
			SweepInterval:    Duration(5 * time.Second),
			SnapshotEvery:    100,
			Journal:          JournalConfig{Driver: "memory"},
			RolloutPrecision: "full",
		},
		Inference: InferenceConfig{
			ID:             "inference-0",
			URL:            "http://localhost:8081",
			CoalesceWindow: Duration(2 * time.Millisecond),
			MaxBatch:       64,
			PollInterval:   Duration(5 * time.Second),
		},
		Actor: ActorConfig{
			ID:            "actor-0",
			Environments:  4,
			EnvKind:       "cartpole",
			FlushTurns:    32,
			FlushInterval: Duration(time.Second),
			MaxRestarts:   3,
			Retry: RetryConfig{
				Initial:    Duration(50 * time.Millisecond),
				Max:        Duration(2 * time.Second),
				MaxElapsed: Duration(30 * time.Second),
			},
		},
		Learner: LearnerConfig{
			ID:             "learner-0",
			URL:            "http://localhost:8082",
			QueueCapacity:  256,
			ReorderWindow:  8,
			Trigger:        "count:256",
			StalenessBound: 4,
			StalePolicy:    string(learner.StaleDrop),
			StaleDecay:     0.5,
			ClipRatio:      10,
			Precision:      "full",
			CheckpointDir:  "./checkpoints",
			LearningRate:   0.01,
			MaxRederive:    3,
			Retry: RetryConfig{
				Initial:    Duration(100 * time.Millisecond),
				Max:        Duration(5 * time.Second),
				MaxElapsed: Duration(30 * time.Second),
			},
		},
		Transport: TransportConfig{Shards: "http", Swap: "http", Partitions: 1},
	}
}

// Validate rejects configurations no role could run with.
func (c *Config) Validate() error {
	var problems []string
	bad := func(format string, args ...any) { problems = append(problems, fmt.Sprintf(format, args...)) }

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		bad("server.port %d out of range", c.Server.Port)
	}
	switch c.Coordinator.Journal.Driver {
	case "memory", "":
	case "postgres", "sqlite":
		if c.Coordinator.Journal.DSN == "" && c.Database.Postgres.DSN == "" {
			bad("coordinator.journal.dsn is required for driver %q", c.Coordinator.Journal.Driver)
		}
	default:
		bad("coordinator.journal.driver %q (should be one of -- memory|postgres|sqlite)", c.Coordinator.Journal.Driver)
	}
	if c.Coordinator.HeartbeatTimeout <= 0 {
		bad("coordinator.heartbeat_timeout must be positive")
	}
	if c.Coordinator.SweepInterval <= 0 {
		bad("coordinator.sweep_interval must be positive")
	}
	if _, err := version.ParsePrecision(c.Coordinator.RolloutPrecision); err != nil {
		bad("coordinator.rollout_precision: %v", err)
	}
	if c.Inference.MaxBatch <= 0 {
		bad("inference.max_batch must be positive")
	}
	if c.Actor.Environments <= 0 {
		bad("actor.environments must be positive")
	}
	if c.Actor.FlushTurns <= 0 {
		bad("actor.flush_turns must be positive")
	}
	if c.Learner.QueueCapacity <= 0 {
		bad("learner.queue_capacity must be positive")
	}
	if c.Learner.ReorderWindow < 0 {
		bad("learner.reorder_window must not be negative")
	}
	if _, err := learner.ParseTrigger(c.Learner.Trigger); err != nil {
		bad("learner.trigger: %v", err)
	}
	if _, err := c.Correction(); err != nil {
		bad("learner: %v", err)
	}
	if _, err := version.ParsePrecision(c.Learner.Precision); err != nil {
		bad("learner.precision: %v", err)
	}
	for name, v := range map[string]string{"transport.shards": c.Transport.Shards, "transport.swap": c.Transport.Swap} {
		if v != "http" && v != "redis" {
			bad("%s %q (should be one of -- http|redis)", name, v)
		} else if v == "redis" && c.Database.Redis.URL == "" {
			bad("%s is redis but database.redis.url is empty", name)
		}
	}
	if c.Transport.Partitions <= 0 {
		bad("transport.partitions must be positive")
	} else if c.Learner.Partition < 0 || c.Learner.Partition >= c.Transport.Partitions {
		bad("learner.partition %d outside [0, %d)", c.Learner.Partition, c.Transport.Partitions)
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Correction assembles the learner's off-policy correction settings.
func (c *Config) Correction() (learner.Correction, error) {
	corr := learner.Correction{
		StalenessBound: c.Learner.StalenessBound,
		Policy:         learner.StalePolicy(c.Learner.StalePolicy),
		Decay:          c.Learner.StaleDecay,
		ClipRatio:      c.Learner.ClipRatio,
	}
	return corr, corr.Validate()
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

func substitute(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a JSON or YAML config file (by extension), substitutes
// environment variable references and overlays the result on Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	resolved := substitute(data)

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(resolved, cfg)
	default:
		err = json.Unmarshal(resolved, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
