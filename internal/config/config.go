// Package config loads the TOML configuration for the server and
// governor processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// ServerConfig configures the coordinating server process.
type ServerConfig struct {
	ListenAddr  string `toml:"listen_addr"`
	JournalDir  string `toml:"journal_dir"`
	MetricsAddr string `toml:"metrics_addr"`

	HeartbeatInterval  duration `toml:"heartbeat_interval"`
	SuspectMultiplier  int      `toml:"suspect_multiplier"`
	LostMultiplier     int      `toml:"lost_multiplier"`
	MaxTaskRetries     int      `toml:"max_task_retries"`
	SchedulingInterval duration `toml:"scheduling_interval"`
}

// GovernorConfig configures one worker process.
type GovernorConfig struct {
	ServerAddr     string   `toml:"server_addr"`
	DataListenAddr string   `toml:"data_listen_addr"`
	AdvertiseAddr  string   `toml:"advertise_addr"`
	StoreDir       string   `toml:"store_dir"`
	WorkDir        string   `toml:"work_dir"`
	Slots          int      `toml:"slots"`
	Labels         []string `toml:"labels"`
}

// duration wraps time.Duration for TOML strings like "5s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return ServerConfig{}, err
		}
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:         ":7600",
		JournalDir:         "quarry-journal",
		MetricsAddr:        ":7610",
		HeartbeatInterval:  duration{3 * time.Second},
		SuspectMultiplier:  3,
		LostMultiplier:     10,
		MaxTaskRetries:     1,
		SchedulingInterval: duration{500 * time.Millisecond},
	}
}

func ValidateServerConfig(cfg ServerConfig) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("%w: missing listen_addr", ErrInvalidConfig)
	}
	if cfg.JournalDir == "" {
		return fmt.Errorf("%w: missing journal_dir", ErrInvalidConfig)
	}
	if cfg.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if cfg.SuspectMultiplier < 1 || cfg.LostMultiplier <= cfg.SuspectMultiplier {
		return fmt.Errorf("%w: lost_multiplier must exceed suspect_multiplier >= 1", ErrInvalidConfig)
	}
	if cfg.MaxTaskRetries < 0 {
		return fmt.Errorf("%w: max_task_retries must be >= 0", ErrInvalidConfig)
	}
	return nil
}

func LoadGovernorConfig(path string) (GovernorConfig, error) {
	cfg := DefaultGovernorConfig()
	if path != "" {
		if err := loadToml(path, &cfg); err != nil {
			return GovernorConfig{}, err
		}
	}
	if err := ValidateGovernorConfig(cfg); err != nil {
		return GovernorConfig{}, err
	}
	return cfg, nil
}

func DefaultGovernorConfig() GovernorConfig {
	return GovernorConfig{
		ServerAddr:     "127.0.0.1:7600",
		DataListenAddr: ":7620",
		StoreDir:       "quarry-store",
		WorkDir:        "quarry-work",
		Slots:          4,
	}
}

func ValidateGovernorConfig(cfg GovernorConfig) error {
	if cfg.ServerAddr == "" {
		return fmt.Errorf("%w: missing server_addr", ErrInvalidConfig)
	}
	if cfg.DataListenAddr == "" {
		return fmt.Errorf("%w: missing data_listen_addr", ErrInvalidConfig)
	}
	if cfg.StoreDir == "" || cfg.WorkDir == "" {
		return fmt.Errorf("%w: missing store_dir or work_dir", ErrInvalidConfig)
	}
	if cfg.Slots < 1 {
		return fmt.Errorf("%w: slots must be >= 1", ErrInvalidConfig)
	}
	return nil
}

func loadToml(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := toml.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// HeartbeatEvery is the configured heartbeat cadence.
func (c ServerConfig) HeartbeatEvery() time.Duration { return c.HeartbeatInterval.Duration }

// SuspectAfter is the heartbeat age at which a governor turns Suspect.
func (c ServerConfig) SuspectAfter() time.Duration {
	return time.Duration(c.SuspectMultiplier) * c.HeartbeatInterval.Duration
}

// LostAfter is the heartbeat age at which a governor is declared Lost.
func (c ServerConfig) LostAfter() time.Duration {
	return time.Duration(c.LostMultiplier) * c.HeartbeatInterval.Duration
}

// SchedulingEvery is the timer-driven scheduling pass cadence.
func (c ServerConfig) SchedulingEvery() time.Duration { return c.SchedulingInterval.Duration }
