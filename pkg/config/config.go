package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultPath is used when the CONFIG environment variable is unset.
const DefaultPath = "./manager.toml"

// Duration is a time.Duration that unmarshals from TOML strings such as
// "30s" or "1m30s". Convert with time.Duration(d) at the point of use.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the immutable process configuration. It is loaded once at
// startup and passed into component constructors; hot reload swaps the
// whole value.
type Config struct {
	Log       LogConfig       `toml:"log"`
	Store     StoreConfig     `toml:"store"`
	Lock      LockConfig      `toml:"lock"`
	MQ        MQConfig        `toml:"mq"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Scheduler SchedulerConfig `toml:"scheduler"`
	RPC       RPCConfig       `toml:"rpc"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	JSONOutput bool   `toml:"json_output"`
}

type StoreConfig struct {
	// DSN is the bbolt database path.
	DSN string `toml:"dsn"`
}

type LockConfig struct {
	// Backend is one of "file", "memory", "postgres", "etcd".
	Backend string `toml:"backend"`
	// Dir holds lock files for the file backend.
	Dir string `toml:"dir"`
	// PostgresDSN for the advisory-lock backend.
	PostgresDSN string `toml:"postgres_dsn"`
	// EtcdEndpoints for the etcd backend.
	EtcdEndpoints []string `toml:"etcd_endpoints"`
}

type MQConfig struct {
	// Addr is the redis address; empty selects the in-process broker.
	Addr string `toml:"addr"`
	// StreamMaxLen is the per-topic retention for late joiners.
	StreamMaxLen int64 `toml:"stream_max_len"`
	// AutoClaimIdle is how long a pending message may sit with a dead
	// consumer before another group member claims it.
	AutoClaimIdle Duration `toml:"auto_claim_idle"`
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

type SchedulerConfig struct {
	TickInterval        Duration `toml:"tick_interval"`
	TickTimeout         Duration `toml:"tick_timeout"`
	WakeupDebounce      Duration `toml:"wakeup_debounce"`
	LockLifetime        Duration `toml:"lock_lifetime"`
	SnapshotTimeout     Duration `toml:"snapshot_timeout"`
	CommitTimeout       Duration `toml:"commit_timeout"`
	CommitRetries       int      `toml:"commit_retries"`
	TerminationInterval Duration `toml:"termination_interval"`
	HeartbeatTimeout    Duration `toml:"heartbeat_timeout"`
}

type RPCConfig struct {
	CreateTimeout  Duration `toml:"create_timeout"`
	DestroyTimeout Duration `toml:"destroy_timeout"`
	FanoutLimit    int      `toml:"fanout_limit"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Log:   LogConfig{Level: "info"},
		Store: StoreConfig{DSN: "./backendai-manager.db"},
		Lock:  LockConfig{Backend: "memory", Dir: os.TempDir()},
		MQ: MQConfig{
			StreamMaxLen:  1024,
			AutoClaimIdle: Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{Addr: ":9101"},
		Scheduler: SchedulerConfig{
			TickInterval:        Duration(10 * time.Second),
			TickTimeout:         Duration(60 * time.Second),
			WakeupDebounce:      Duration(200 * time.Millisecond),
			LockLifetime:        Duration(30 * time.Second),
			SnapshotTimeout:     Duration(10 * time.Second),
			CommitTimeout:       Duration(15 * time.Second),
			CommitRetries:       3,
			TerminationInterval: Duration(3 * time.Second),
			HeartbeatTimeout:    Duration(30 * time.Second),
		},
		RPC: RPCConfig{
			CreateTimeout:  Duration(30 * time.Second),
			DestroyTimeout: Duration(10 * time.Second),
			FanoutLimit:    16,
		},
	}
}

// Load reads the TOML file at path (or the default path when empty), then
// applies environment overrides. A missing file with an explicit path is an
// error; the default path is allowed to be absent.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// defaults only
	default:
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// FromEnv resolves the config path from $CONFIG and loads it.
func FromEnv() (Config, error) {
	return Load(os.Getenv("CONFIG"))
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("LOCK_BACKEND"); v != "" {
		c.Lock.Backend = v
	}
	if v := os.Getenv("MQ_ADDR"); v != "" {
		c.MQ.Addr = v
	}
	if v := os.Getenv("STORE_DSN"); v != "" {
		c.Store.DSN = v
	}
}

// Validate rejects configurations the daemon cannot start with.
func (c *Config) Validate() error {
	switch c.Lock.Backend {
	case "file", "memory", "postgres", "etcd":
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	if c.Lock.Backend == "postgres" && c.Lock.PostgresDSN == "" {
		return fmt.Errorf("lock backend postgres requires postgres_dsn")
	}
	if c.Lock.Backend == "etcd" && len(c.Lock.EtcdEndpoints) == 0 {
		return fmt.Errorf("lock backend etcd requires etcd_endpoints")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store dsn must not be empty")
	}
	if c.Scheduler.TickTimeout <= 0 {
		return fmt.Errorf("scheduler tick_timeout must be positive")
	}
	return nil
}
