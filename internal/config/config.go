package config

import (
	yamlenv "github.com/ifuryst/go-yaml-env"

	"github.com/relaypub/relay/pkg/logger"
)

type Config struct {
	Server     ServerConfig          `yaml:"server"`
	Database   DatabaseConfig        `yaml:"database"`
	Logger     logger.Config         `yaml:"logger"`
	Dispatcher DispatcherConfig      `yaml:"dispatcher"`
	Scheduler  SchedulerConfig       `yaml:"scheduler"`
	Plans      map[string]PlanConfig `yaml:"plans"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	Mode     string `yaml:"mode"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

type DatabaseConfig struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode"`
	TimeZone string `yaml:"timezone"`
}

// DispatcherConfig tunes the delayed publish-job queue.
type DispatcherConfig struct {
	Workers     int    `yaml:"workers"`
	MaxAttempts int    `yaml:"max_attempts"`
	BackoffBase string `yaml:"backoff_base"`
}

// SchedulerConfig tunes the slot allocator and the due-post sweeper.
type SchedulerConfig struct {
	SweepInterval   string `yaml:"sweep_interval"`
	CollisionWindow string `yaml:"collision_window"`
	SweepEnabled    bool   `yaml:"sweep_enabled"`
}

// PlanConfig is the per-tier limit set consumed by the slot allocator and
// the scheduling state machine.
type PlanConfig struct {
	MaxQueueDepth    int      `yaml:"max_queue_depth"`
	HorizonDays      int      `yaml:"horizon_days"`
	PostingTimes     []string `yaml:"posting_times"`
	ApprovalsEnabled bool     `yaml:"approvals_enabled"`
	CampaignsEnabled bool     `yaml:"campaigns_enabled"`
}

func LoadConfig(configPath string) (*Config, error) {
	cfg, err := yamlenv.LoadConfig[Config](configPath)
	if err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5380
	}
	if cfg.Server.Mode == "" {
		cfg.Server.Mode = "debug"
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "postgres"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "localhost"
	}
	if cfg.Database.Port == 0 {
		cfg.Database.Port = 5432
	}
	if cfg.Database.SSLMode == "" {
		cfg.Database.SSLMode = "disable"
	}
	if cfg.Database.TimeZone == "" {
		cfg.Database.TimeZone = "UTC"
	}
	if cfg.Dispatcher.Workers == 0 {
		cfg.Dispatcher.Workers = 4
	}
	if cfg.Dispatcher.MaxAttempts == 0 {
		cfg.Dispatcher.MaxAttempts = 3
	}
	if cfg.Dispatcher.BackoffBase == "" {
		cfg.Dispatcher.BackoffBase = "5s"
	}
	if cfg.Scheduler.SweepInterval == "" {
		cfg.Scheduler.SweepInterval = "1m"
	}
	if cfg.Scheduler.CollisionWindow == "" {
		cfg.Scheduler.CollisionWindow = "1m"
	}
	if cfg.Plans == nil {
		cfg.Plans = map[string]PlanConfig{}
	}
	if _, ok := cfg.Plans["free"]; !ok {
		cfg.Plans["free"] = PlanConfig{
			MaxQueueDepth: 10,
			HorizonDays:   7,
			PostingTimes:  []string{"09:00", "13:00", "17:00"},
		}
	}

	return cfg, nil
}
