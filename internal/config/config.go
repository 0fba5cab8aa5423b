package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the service
type Config struct {
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"logLevel"`
	Server      struct {
		Port int `mapstructure:"port"`
	} `mapstructure:"server"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Database struct {
		PostgresDSN         string `mapstructure:"postgresDSN"`
		PostgresAutoMigrate bool   `mapstructure:"postgresAutoMigrate"`
		Schema              string `mapstructure:"schema"`
	} `mapstructure:"database"`
	Redis struct {
		Addr     string `mapstructure:"addr"` // empty keeps pairing codes in memory
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
	Session     SessionConfig  `mapstructure:"session"`
	Sync        SyncConfig     `mapstructure:"sync"`
	Outbound    OutboundConfig `mapstructure:"outbound"`
	Events      EventsConfig   `mapstructure:"events"`
	Driver      DriverConfig   `mapstructure:"driver"`
	Control     ControlConfig  `mapstructure:"control"`
	WorkerPools struct {
		Ingest WorkerPoolConfig `mapstructure:"ingest"`
	} `mapstructure:"workerPools"`
}

// SessionConfig tunes handle lifecycle management.
type SessionConfig struct {
	StaleAfter        time.Duration `mapstructure:"staleAfter"`        // age after which a non-ready handle is replaced
	InitWaitTimeout   time.Duration `mapstructure:"initWaitTimeout"`   // bounded wait for a concurrent acquire
	PairingTimeout    time.Duration `mapstructure:"pairingTimeout"`    // watchdog: no code and not ready
	ReconnectCooldown time.Duration `mapstructure:"reconnectCooldown"` // delay before auto re-acquire
	DestroyTimeout    time.Duration `mapstructure:"destroyTimeout"`
	CodeTTL           time.Duration `mapstructure:"codeTTL"`
	ArtifactDir       string        `mapstructure:"artifactDir"`
	ReclaimAttempts   int           `mapstructure:"reclaimAttempts"`
}

// SyncConfig tunes the bulk synchronization walk.
type SyncConfig struct {
	ReadinessTimeout         time.Duration `mapstructure:"readinessTimeout"`
	ReadinessInitialInterval time.Duration `mapstructure:"readinessInitialInterval"`
	ReadinessMaxInterval     time.Duration `mapstructure:"readinessMaxInterval"`
	HistoryBatchSize         int           `mapstructure:"historyBatchSize"`
	HistoryMaxAttempts       int           `mapstructure:"historyMaxAttempts"`
	BatchRetryAttempts       int           `mapstructure:"batchRetryAttempts"`
	BatchRetryInterval       time.Duration `mapstructure:"batchRetryInterval"`
	StaleSyncAfter           time.Duration `mapstructure:"staleSyncAfter"`
	ContactConcurrency       int           `mapstructure:"contactConcurrency"`
}

// OutboundConfig controls target addressing and read-after-send consistency.
type OutboundConfig struct {
	ChatSuffix     string        `mapstructure:"chatSuffix"`
	GroupSuffix    string        `mapstructure:"groupSuffix"`
	SendTimeout    time.Duration `mapstructure:"sendTimeout"`
	PersistTimeout time.Duration `mapstructure:"persistTimeout"` // max wait of a read on pending writes
}

// EventsConfig selects and configures the event sinks.
type EventsConfig struct {
	Sinks         []string `mapstructure:"sinks"` // nats, amqp
	SubjectPrefix string   `mapstructure:"subjectPrefix"`
	Stream        string   `mapstructure:"stream"`
	MaxAgeHours   int      `mapstructure:"maxAgeHours"`
	HubBuffer     int      `mapstructure:"hubBuffer"`
	SinkWorkers   int      `mapstructure:"sinkWorkers"` // tenants forwarded to sinks concurrently
	SinkQueue     int      `mapstructure:"sinkQueue"`   // per-tenant backlog before events are dropped
	AMQPURL       string   `mapstructure:"amqpURL"`
	AMQPExchange  string   `mapstructure:"amqpExchange"`
}

// DriverConfig addresses the remote automation sidecar.
type DriverConfig struct {
	SubjectPrefix  string        `mapstructure:"subjectPrefix"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}

// ControlConfig exposes the orchestrator over NATS request/reply.
type ControlConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	SubjectPrefix string `mapstructure:"subjectPrefix"`
}

// WorkerPoolConfig holds configuration for an ants worker pool
type WorkerPoolConfig struct {
	PoolSize   int           `mapstructure:"poolSize"`   // Number of workers
	QueueSize  int           `mapstructure:"queueSize"`  // Max blocked submitters
	MaxBlock   time.Duration `mapstructure:"maxBlock"`   // Max time to block when submitting if queue full
	ExpiryTime time.Duration `mapstructure:"expiryTime"` // Idle worker expiry time
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.port", 8080)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("database.schema", "daisi_wa_sessions")
	v.SetDefault("database.postgresAutoMigrate", true)

	v.SetDefault("session.staleAfter", 60*time.Second)
	v.SetDefault("session.initWaitTimeout", 10*time.Second)
	v.SetDefault("session.pairingTimeout", 60*time.Second)
	v.SetDefault("session.reconnectCooldown", 5*time.Second)
	v.SetDefault("session.destroyTimeout", 15*time.Second)
	v.SetDefault("session.codeTTL", 60*time.Second)
	v.SetDefault("session.artifactDir", "./.wa_auth")
	v.SetDefault("session.reclaimAttempts", 5)

	v.SetDefault("sync.readinessTimeout", 60*time.Second)
	v.SetDefault("sync.readinessInitialInterval", 500*time.Millisecond)
	v.SetDefault("sync.readinessMaxInterval", 5*time.Second)
	v.SetDefault("sync.historyBatchSize", 50)
	v.SetDefault("sync.historyMaxAttempts", 20)
	v.SetDefault("sync.batchRetryAttempts", 3)
	v.SetDefault("sync.batchRetryInterval", time.Second)
	v.SetDefault("sync.staleSyncAfter", 2*time.Minute)
	v.SetDefault("sync.contactConcurrency", 4)

	v.SetDefault("outbound.chatSuffix", "@c.us")
	v.SetDefault("outbound.groupSuffix", "@g.us")
	v.SetDefault("outbound.sendTimeout", 30*time.Second)
	v.SetDefault("outbound.persistTimeout", 5*time.Second)

	v.SetDefault("events.sinks", []string{"nats"})
	v.SetDefault("events.subjectPrefix", "wa.session")
	v.SetDefault("events.stream", "WA_SESSION_EVENTS")
	v.SetDefault("events.maxAgeHours", 24)
	v.SetDefault("events.hubBuffer", 64)
	v.SetDefault("events.sinkWorkers", 128)
	v.SetDefault("events.sinkQueue", 256)
	v.SetDefault("events.amqpExchange", "wa.session.events")

	v.SetDefault("driver.subjectPrefix", "wa.driver")
	v.SetDefault("driver.requestTimeout", 30*time.Second)

	v.SetDefault("control.enabled", true)
	v.SetDefault("control.subjectPrefix", "wa.control")

	v.SetDefault("workerPools.ingest.poolSize", 16)
	v.SetDefault("workerPools.ingest.queueSize", 10000)
	v.SetDefault("workerPools.ingest.maxBlock", time.Second)
	v.SetDefault("workerPools.ingest.expiryTime", time.Minute)
}

// LoadConfig reads configuration from file, environment variables and (optionally) flags.
// flags may be nil; when set, --log-level overrides logLevel.
func LoadConfig(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("default")
	v.SetConfigType("yaml")
	if path != "" {
		v.AddConfigPath(path)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./internal/config")
	v.AddConfigPath("$HOME/.daisi-wa-session-orchestrator")
	v.AddConfigPath("/etc/daisi-wa-session-orchestrator")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, Config{})

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		v.Set("database.postgresDSN", dsn)
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		v.Set("logLevel", lvl)
	}
	if url := os.Getenv("NATS_URL"); url != "" {
		v.Set("nats.url", url)
	}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		v.Set("redis.addr", addr)
	}
	if url := os.Getenv("AMQP_URL"); url != "" {
		v.Set("events.amqpURL", url)
	}

	if flags != nil {
		if f := flags.Lookup("log-level"); f != nil && f.Changed {
			if err := v.BindPFlag("logLevel", f); err != nil {
				return nil, fmt.Errorf("unable to bind log-level flag: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	return &config, nil
}

// bindEnvs recursively binds environment variables to config struct fields
func bindEnvs(v *viper.Viper, cfg interface{}, parts ...string) {
	ifv := reflect.ValueOf(cfg)
	ift := reflect.TypeOf(cfg)
	for i := 0; i < ift.NumField(); i++ {
		fieldVal := ifv.Field(i)
		fieldType := ift.Field(i)

		tag := fieldType.Tag.Get("mapstructure")
		if tag == "" || tag == "-" {
			continue
		}

		path := append(append([]string{}, parts...), tag)
		if fieldType.Type.Kind() == reflect.Struct {
			bindEnvs(v, fieldVal.Interface(), path...)
			continue
		}
		_ = v.BindEnv(strings.Join(path, "."))
	}
}
