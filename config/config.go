package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type MQConfig struct {
	URL string `yaml:"url"`
}

type JWTConfig struct {
	Secret string `yaml:"secret"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

// GoogleConfig holds the OAuth application credentials used for the
// calendar integration.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RedirectURL  string `yaml:"redirect_url"`
	CalendarID   string `yaml:"calendar_id"`
}

// SyncConfig tunes the materializer window and the calendar sync engine.
type SyncConfig struct {
	WindowDays      int           `yaml:"window_days"`       // forward materialization window
	RetentionDays   int           `yaml:"retention_days"`    // completed/skipped instance retention
	RatePerSecond   float64       `yaml:"rate_per_second"`   // calendar API throttle
	FlushEvery      int           `yaml:"flush_every"`       // bulk sync progress flush interval
	LeaseTTL        time.Duration `yaml:"lease_ttl"`         // per-user sync lease expiry
	RunBudget       time.Duration `yaml:"run_budget"`        // wall-clock ceiling for one bulk run
	MaterializeSpec string        `yaml:"materialize_spec"`  // cron spec for the materializer
	CleanupSpec     string        `yaml:"cleanup_spec"`      // cron spec for retention cleanup
	ReconcileSpec   string        `yaml:"reconcile_spec"`    // cron spec for the full reconcile
}

type Config struct {
	DB     DBConfig     `yaml:"db"`
	Redis  RedisConfig  `yaml:"redis"`
	MQ     MQConfig     `yaml:"mq"`
	JWT    JWTConfig    `yaml:"jwt"`
	Server ServerConfig `yaml:"server"`
	Google GoogleConfig `yaml:"google"`
	Sync   SyncConfig   `yaml:"sync"`
}

func Load() *Config {
	f, err := os.Open("config.yaml")
	if err != nil {
		log.Fatalf("failed to open config.yaml: %v", err)
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config.yaml: %v", err)
	}

	applyDefaults(&cfg)
	overrideFromEnv(&cfg)

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Sync.WindowDays == 0 {
		cfg.Sync.WindowDays = 60
	}
	if cfg.Sync.RetentionDays == 0 {
		cfg.Sync.RetentionDays = 90
	}
	if cfg.Sync.RatePerSecond == 0 {
		cfg.Sync.RatePerSecond = 5
	}
	if cfg.Sync.FlushEvery == 0 {
		cfg.Sync.FlushEvery = 25
	}
	if cfg.Sync.LeaseTTL == 0 {
		cfg.Sync.LeaseTTL = 2 * time.Minute
	}
	if cfg.Sync.RunBudget == 0 {
		cfg.Sync.RunBudget = 10 * time.Minute
	}
	if cfg.Sync.MaterializeSpec == "" {
		cfg.Sync.MaterializeSpec = "@hourly"
	}
	if cfg.Sync.CleanupSpec == "" {
		cfg.Sync.CleanupSpec = "15 3 * * *"
	}
	if cfg.Sync.ReconcileSpec == "" {
		cfg.Sync.ReconcileSpec = "45 */6 * * *"
	}
	if cfg.Google.CalendarID == "" {
		cfg.Google.CalendarID = "primary"
	}
}

func overrideFromEnv(cfg *Config) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DB.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.DB.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DB.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DB.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.DB.Name = name
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Redis.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Redis.Password = password
	}

	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.MQ.URL = url
	}

	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.JWT.Secret = secret
	}

	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Server.Port = port
	}

	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		cfg.Google.ClientID = id
	}
	if secret := os.Getenv("GOOGLE_CLIENT_SECRET"); secret != "" {
		cfg.Google.ClientSecret = secret
	}
	if url := os.Getenv("GOOGLE_REDIRECT_URL"); url != "" {
		cfg.Google.RedirectURL = url
	}
}
