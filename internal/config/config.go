package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	_ "github.com/joho/godotenv/autoload"
)

// Prefix is prepended to every variable name below.
const Prefix = "JIGSAW_"

type Config struct {
	Port int `env:"PORT" envDefault:"8080"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite3"`
	DBDSN    string `env:"DB_DSN" envDefault:"jigsaw.db?_foreign_keys=on"`

	PuzzleDir string `env:"PUZZLE_DIR" envDefault:"./puzzles"`

	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"5s"`
	HeartbeatTimeout   time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"15s"`
	HeartbeatMaxMissed int           `env:"HEARTBEAT_MAX_MISSED" envDefault:"3"`

	SnapTolerance float64       `env:"SNAP_TOLERANCE" envDefault:"30"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"2s"`
	WorkerLimit   int           `env:"WORKER_LIMIT" envDefault:"32"`

	RateLimit  int           `env:"RATE_LIMIT" envDefault:"30"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"1s"`

	ResultsRetention time.Duration `env:"RESULTS_RETENTION" envDefault:"720h"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT" envDefault:"jigsaw.match.completed"`
}

// Load reads the configuration from the environment. A .env file in the
// working directory is loaded first.
func Load() (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: Prefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite3", "pgx":
	default:
		return fmt.Errorf("%sDB_DRIVER must be sqlite3 or pgx, got %q", Prefix, c.DBDriver)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%sPORT out of range: %d", Prefix, c.Port)
	}
	if c.SnapTolerance <= 0 {
		return fmt.Errorf("%sSNAP_TOLERANCE must be positive", Prefix)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 || c.HeartbeatMaxMissed <= 0 {
		return fmt.Errorf("%sHEARTBEAT_* values must be positive", Prefix)
	}
	return nil
}
