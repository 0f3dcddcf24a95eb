package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv        string `env:"APP_ENV" envDefault:"development"`
	APIAddr       string `env:"API_ADDR" envDefault:":8080"`
	PostgresDSN   string `env:"POSTGRES_DSN,notEmpty"`
	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	WorkerID      string        `env:"WORKER_ID"`
	WorkerPool    string        `env:"WORKER_POOL"`
	WorkerRegion  string        `env:"WORKER_REGION"`
	WorkerVersion string        `env:"WORKER_VERSION" envDefault:"dev"`
	LeaseTTL      time.Duration `env:"LEASE_TTL" envDefault:"60s"`
	// HandlerTimeout bounds a single handler invocation; it should stay below LeaseTTL.
	HandlerTimeout    time.Duration `env:"HANDLER_TIMEOUT" envDefault:"45s"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	PollInterval      time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	ClaimRate         float64       `env:"CLAIM_RATE" envDefault:"20"`

	FlagCacheTTL   time.Duration `env:"FLAG_CACHE_TTL" envDefault:"5s"`
	PoolCacheTTL   time.Duration `env:"POOL_CACHE_TTL" envDefault:"30s"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`

	RateLimit  int           `env:"RATE_LIMIT" envDefault:"100"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"60s"`

	StaleThreshold   time.Duration   `env:"STALE_THRESHOLD" envDefault:"60s"`
	DLQThreshold     int64           `env:"DLQ_THRESHOLD" envDefault:"100"`
	IncidentCooldown time.Duration   `env:"INCIDENT_COOLDOWN" envDefault:"0s"`
	DLQBatchSize     int             `env:"DLQ_BATCH_SIZE" envDefault:"100"`
	DLQBackoff       []time.Duration `env:"DLQ_BACKOFF_WINDOWS" envDefault:"5m,15m,1h,4h" envSeparator:","`
	ReaperBatchSize  int             `env:"REAPER_BATCH_SIZE" envDefault:"500"`

	TickInterval       time.Duration `env:"TICK_INTERVAL" envDefault:"60s"`
	MigrationsDir      string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	LeaderLockKey      int64         `env:"LEADER_LOCK_KEY" envDefault:"42"`
	ReadOnlyTopics     []string      `env:"READ_ONLY_TOPICS" envSeparator:","`
	DefaultMaxAttempts int           `env:"DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
}

func Parse() (Config, error) {
	var c Config
	err := env.Parse(&c)
	return c, err
}

func Load() Config {
	c, err := Parse()
	if err != nil {
		log.Fatal(err)
	}
	return c
}
