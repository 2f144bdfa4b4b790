package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	DBDriver string
	DBDSN    string
	DBSchema string
	DBPath   string

	CachePath      string
	BirthdayHeight int64
	Retention      int64
	PollInterval   time.Duration

	ListenAddr string
	APIToken   string

	BrokerDriver       string
	BrokerURL          string
	BrokerTopic        string
	BrokerPollInterval time.Duration
	BrokerBatchSize    int
}

func FromFlags(args []string) (Config, error) {
	fs := flag.NewFlagSet("juno-vault", flag.ContinueOnError)

	var cfg Config

	fs.StringVar(&cfg.DBDriver, "db-driver", getenv("JUNO_VAULT_DB_DRIVER", ""), "Store driver (rocksdb, postgres, mysql); inferred from -db-dsn when empty")
	fs.StringVar(&cfg.DBDSN, "db-dsn", getenv("JUNO_VAULT_DB_DSN", ""), "Database DSN for postgres/mysql")
	fs.StringVar(&cfg.DBSchema, "db-schema", getenv("JUNO_VAULT_DB_SCHEMA", ""), "Postgres schema for juno-vault tables (optional)")
	fs.StringVar(&cfg.DBPath, "db-path", getenv("JUNO_VAULT_DB_PATH", "juno-vault-data/store"), "Pebble path for the embedded store")

	fs.StringVar(&cfg.CachePath, "cache-path", getenv("JUNO_VAULT_CACHE_PATH", "juno-vault-data/blocks"), "Pebble path for the scanned-block cache")
	fs.Int64Var(&cfg.BirthdayHeight, "birthday", getenvInt64("JUNO_VAULT_BIRTHDAY", 0), "Height where ingestion starts on an empty store")
	fs.Int64Var(&cfg.Retention, "retention", getenvInt64("JUNO_VAULT_RETENTION", 100), "Checkpoints retained behind the tip for rewinds and anchors")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", getenvDuration("JUNO_VAULT_POLL_INTERVAL", 2*time.Second), "Poll interval for new scanned blocks")

	fs.StringVar(&cfg.ListenAddr, "listen", getenv("JUNO_VAULT_LISTEN", "127.0.0.1:8080"), "HTTP listen address")
	fs.StringVar(&cfg.APIToken, "api-token", getenv("JUNO_VAULT_API_TOKEN", ""), "Bearer token required on every API request (empty disables auth)")

	fs.StringVar(&cfg.BrokerDriver, "broker-driver", getenv("JUNO_VAULT_BROKER_DRIVER", "none"), "Message broker driver (none, kafka, nats, rabbitmq)")
	fs.StringVar(&cfg.BrokerURL, "broker-url", getenv("JUNO_VAULT_BROKER_URL", ""), "Message broker URL/DSN")
	fs.StringVar(&cfg.BrokerTopic, "broker-topic", getenv("JUNO_VAULT_BROKER_TOPIC", "juno.vault.events"), "Message broker topic/subject/queue name")
	fs.DurationVar(&cfg.BrokerPollInterval, "broker-poll-interval", getenvDuration("JUNO_VAULT_BROKER_POLL_INTERVAL", 500*time.Millisecond), "Broker outbox poll interval")
	fs.IntVar(&cfg.BrokerBatchSize, "broker-batch-size", getenvInt("JUNO_VAULT_BROKER_BATCH_SIZE", 1000), "Broker outbox batch size")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch driver := strings.ToLower(strings.TrimSpace(c.DBDriver)); driver {
	case "":
		if strings.TrimSpace(c.DBDSN) == "" && strings.TrimSpace(c.DBPath) == "" {
			return errors.New("config: one of -db-dsn or -db-path is required")
		}
	case "rocksdb":
		if strings.TrimSpace(c.DBPath) == "" {
			return errors.New("config: -db-path is required for rocksdb")
		}
	case "postgres", "mysql":
		if strings.TrimSpace(c.DBDSN) == "" {
			return fmt.Errorf("config: -db-dsn is required for %s", driver)
		}
	default:
		return fmt.Errorf("config: unknown db driver %q", c.DBDriver)
	}

	if strings.TrimSpace(c.CachePath) == "" {
		return errors.New("config: -cache-path is required")
	}
	if c.BirthdayHeight < 0 {
		return fmt.Errorf("config: negative birthday height %d", c.BirthdayHeight)
	}
	if c.Retention < 1 {
		return fmt.Errorf("config: retention must be at least 1, got %d", c.Retention)
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return errors.New("config: -listen is required")
	}

	switch driver := strings.ToLower(strings.TrimSpace(c.BrokerDriver)); driver {
	case "", "none":
	case "kafka", "nats", "rabbitmq":
		if strings.TrimSpace(c.BrokerURL) == "" {
			return fmt.Errorf("config: -broker-url is required for %s", driver)
		}
		if c.BrokerBatchSize < 1 {
			return fmt.Errorf("config: broker batch size must be at least 1, got %d", c.BrokerBatchSize)
		}
	default:
		return fmt.Errorf("config: unknown broker driver %q", c.BrokerDriver)
	}

	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getenvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
