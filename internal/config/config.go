// Package config loads environment-driven configuration for the tournament
// matchmaking service. A .env file in the working directory is loaded first
// (via godotenv) so local development does not need exported variables;
// real environment variables always win.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Matchmaking holds the tunables of the pairing engine.
type Matchmaking struct {
	HumanSearchTimeout time.Duration // AI-fallback deadline from start-search
	SearchInterval     time.Duration // continuous-scan tick
	MinSearchAttempts  int           // attempts before early AI fallback on quiet rounds
	SkillThreshold     float64       // skill window radius
	MaxQueueSize       int           // reject enqueue above this size
}

// Dispatch holds the push-dispatcher tunables.
type Dispatch struct {
	HeartbeatInterval time.Duration // session sweep tick
	ConnectionTimeout time.Duration // session staleness threshold
}

// Config is the full service configuration.
type Config struct {
	ListenAddr  string
	MetricsAddr string

	RedisAddr   string
	NATSURL     string
	DatabaseURL string

	KafkaBrokers []string
	KafkaTopic   string

	Matchmaking Matchmaking
	Dispatch    Dispatch
}

const (
	defaultHumanSearchTimeout = 45 * time.Second
	maxHumanSearchTimeout     = 180 * time.Second
	defaultSearchInterval     = 3 * time.Second
	defaultMinSearchAttempts  = 10
	defaultSkillThreshold     = 1.5
	defaultMaxQueueSize       = 1000
	defaultHeartbeatInterval  = 30 * time.Second
	defaultConnectionTimeout  = 60 * time.Second
)

// Load reads configuration from the environment, applying defaults and
// clamping out-of-range values. It never fails: bad values fall back to
// defaults with a log line, matching the rest of the service's attitude
// that a misconfigured knob should not stop the process.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] loaded .env")
	}

	cfg := &Config{
		ListenAddr:   getEnv("LISTEN_ADDR", ":8080"),
		MetricsAddr:  getEnv("METRICS_ADDR", ":9100"),
		RedisAddr:    getEnv("REDIS_ADDR", "localhost:6379"),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		DatabaseURL:  getEnv("DATABASE_URL", ""),
		KafkaBrokers: splitList(getEnv("KAFKA_BROKERS", "")),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "matchmaking-events"),
		Matchmaking: Matchmaking{
			HumanSearchTimeout: getEnvMillis("HUMAN_SEARCH_TIMEOUT_MS", defaultHumanSearchTimeout),
			SearchInterval:     getEnvMillis("SEARCH_INTERVAL_MS", defaultSearchInterval),
			MinSearchAttempts:  getEnvInt("MIN_SEARCH_ATTEMPTS", defaultMinSearchAttempts),
			SkillThreshold:     getEnvFloat("SKILL_MATCHING_THRESHOLD", defaultSkillThreshold),
			MaxQueueSize:       getEnvInt("MAX_QUEUE_SIZE", defaultMaxQueueSize),
		},
		Dispatch: Dispatch{
			HeartbeatInterval: getEnvMillis("HEARTBEAT_INTERVAL_MS", defaultHeartbeatInterval),
			ConnectionTimeout: getEnvMillis("CONNECTION_TIMEOUT_MS", defaultConnectionTimeout),
		},
	}

	// The fallback deadline has a hard ceiling so an operator typo cannot
	// leave participants searching for minutes.
	if cfg.Matchmaking.HumanSearchTimeout > maxHumanSearchTimeout {
		log.Printf("[config] HUMAN_SEARCH_TIMEOUT_MS clamped to %s", maxHumanSearchTimeout)
		cfg.Matchmaking.HumanSearchTimeout = maxHumanSearchTimeout
	}
	if cfg.Matchmaking.HumanSearchTimeout <= 0 {
		cfg.Matchmaking.HumanSearchTimeout = defaultHumanSearchTimeout
	}
	if cfg.Matchmaking.SearchInterval <= 0 {
		cfg.Matchmaking.SearchInterval = defaultSearchInterval
	}
	if cfg.Matchmaking.SkillThreshold <= 0 {
		cfg.Matchmaking.SkillThreshold = defaultSkillThreshold
	}

	return cfg
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] %s=%q is not an integer, using %d", key, v, def)
		return def
	}
	return n
}

func getEnvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] %s=%q is not a number, using %g", key, v, def)
		return def
	}
	return f
}

func getEnvMillis(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		log.Printf("[config] %s=%q is not a millisecond count, using %s", key, v, def)
		return def
	}
	return time.Duration(n) * time.Millisecond
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
