package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App        AppConfig
	Service    ServiceConfig
	DB         DBConfig
	Redis      RedisConfig
	Ledger     LedgerConfig
	Compliance ComplianceConfig
	Signing    SigningConfig
	JWT        JWTConfig
	RateLimit  RateLimitConfig
	Eventing   EventingConfig
	GCP        GCPConfig
	PubSub     PubSubConfig
	Kafka      KafkaConfig
	Outbox     OutboxConfig
	Cron       CronConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Ledger.UsesPostgres() {
		if err := cfg.DB.ensureDSN(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}

// LoadJWT reads only the token settings, for tools that mint operator tokens
// without the rest of the service configuration.
func LoadJWT() (JWTConfig, error) {
	var cfg JWTConfig
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return JWTConfig{}, fmt.Errorf("parsing jwt config: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field constraints envconfig cannot express.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Ledger.StorageBackend) {
	case StorageBackendPostgres, StorageBackendMemory:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvStorage, StorageBackendPostgres, StorageBackendMemory)
	}
	switch strings.ToLower(c.Ledger.DigestAlgorithm) {
	case DigestSHA256, DigestBlake2b:
	default:
		return fmt.Errorf("%s must be %q or %q", EnvDigest, DigestSHA256, DigestBlake2b)
	}
	switch strings.ToLower(c.Eventing.Broker) {
	case BrokerPubSub:
		if c.GCP.ProjectID == "" && c.Service.Kind == ServiceKindOutboxPublisher {
			return fmt.Errorf("%s is required for the pubsub broker", EnvGCPProjectID)
		}
	case BrokerKafka:
		if len(c.Kafka.Brokers) == 0 && c.Service.Kind == ServiceKindOutboxPublisher {
			return fmt.Errorf("%s is required for the kafka broker", EnvKafkaBrokers)
		}
	default:
		return fmt.Errorf("%s must be %q or %q", EnvBroker, BrokerPubSub, BrokerKafka)
	}
	if c.Signing.ActiveKeyID != "" {
		if _, ok := c.Signing.Keys[c.Signing.ActiveKeyID]; !ok {
			return fmt.Errorf("%s references unknown key %q", EnvSigningKeyID, c.Signing.ActiveKeyID)
		}
	}
	return nil
}

type AppConfig struct {
	Env          string `envconfig:"LEDGER_APP_ENV" required:"true"`
	Port         string `envconfig:"LEDGER_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"LEDGER_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"LEDGER_LOG_WARN_STACK" default:"false"`
	LogFormat    string `envconfig:"LEDGER_LOG_FORMAT" default:"json"`

	// CORSOrigins is empty when browsers are not expected to call the API.
	CORSOrigins []string `envconfig:"LEDGER_CORS_ORIGINS"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

const (
	ServiceKindAPI             = "api"
	ServiceKindOutboxPublisher = "outbox-publisher"
	ServiceKindCron            = "cron-worker"
)

type ServiceConfig struct {
	Kind string `envconfig:"LEDGER_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"LEDGER_DB_DSN"`
	Driver string `envconfig:"LEDGER_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"LEDGER_DB_HOST"`
	LegacyPort     int    `envconfig:"LEDGER_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"LEDGER_DB_USER"`
	LegacyPassword string `envconfig:"LEDGER_DB_PASSWORD"`
	LegacyName     string `envconfig:"LEDGER_DB_NAME"`
	LegacySSLMode  string `envconfig:"LEDGER_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"LEDGER_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"LEDGER_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"LEDGER_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"LEDGER_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	AutoMigrate     bool          `envconfig:"LEDGER_DB_AUTO_MIGRATE" default:"false"`
	SlowQuery       time.Duration `envconfig:"LEDGER_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"LEDGER_REDIS_URL"`
	Address      string        `envconfig:"LEDGER_REDIS_ADDR"`
	Password     string        `envconfig:"LEDGER_REDIS_PASSWORD"`
	DB           int           `envconfig:"LEDGER_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"LEDGER_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"LEDGER_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"LEDGER_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"LEDGER_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"LEDGER_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

const (
	StorageBackendPostgres = "postgres"
	StorageBackendMemory   = "memory"

	DigestSHA256  = "sha256"
	DigestBlake2b = "blake2b"
)

type LedgerConfig struct {
	StorageBackend   string        `envconfig:"LEDGER_STORAGE_BACKEND" default:"postgres"`
	BlockingSeverity string        `envconfig:"LEDGER_BLOCKING_SEVERITY" default:"error"`
	DigestAlgorithm  string        `envconfig:"LEDGER_DIGEST_ALGORITHM" default:"sha256"`
	AppendTimeout    time.Duration `envconfig:"LEDGER_APPEND_TIMEOUT" default:"5s"`
	DistributedLock  bool          `envconfig:"LEDGER_DISTRIBUTED_LOCK" default:"false"`
	LockTTL          time.Duration `envconfig:"LEDGER_LOCK_TTL" default:"10s"`
}

func (l LedgerConfig) UsesPostgres() bool {
	return strings.EqualFold(l.StorageBackend, StorageBackendPostgres)
}

type ComplianceConfig struct {
	RulesFile string `envconfig:"LEDGER_COMPLIANCE_RULES_FILE"`
	HotReload bool   `envconfig:"LEDGER_COMPLIANCE_HOT_RELOAD" default:"false"`
}

// SigningConfig holds HMAC keys as id:secret pairs, e.g. "k1:abc,k2:def".
type SigningConfig struct {
	Keys        map[string]string `envconfig:"LEDGER_SIGNING_KEYS"`
	ActiveKeyID string            `envconfig:"LEDGER_SIGNING_ACTIVE_KEY_ID"`
}

func (s SigningConfig) Enabled() bool {
	return s.ActiveKeyID != "" && len(s.Keys) > 0
}

// JWTConfig signs operator tokens with Secret. Tokens signed with one of
// PreviousSecrets still verify until they expire, which lets a secret rotate
// without logging every operator out.
type JWTConfig struct {
	Secret            string        `envconfig:"LEDGER_JWT_SECRET" required:"true"`
	PreviousSecrets   []string      `envconfig:"LEDGER_JWT_PREVIOUS_SECRETS"`
	Issuer            string        `envconfig:"LEDGER_JWT_ISSUER" default:"compliance-ledger"`
	ExpirationMinutes int           `envconfig:"LEDGER_JWT_EXPIRATION_MINUTES" default:"60"`
	Leeway            time.Duration `envconfig:"LEDGER_JWT_LEEWAY" default:"30s"`
}

func (j JWTConfig) TTL() time.Duration {
	if j.ExpirationMinutes <= 0 {
		return time.Hour
	}
	return time.Duration(j.ExpirationMinutes) * time.Minute
}

// RateLimitConfig throttles appends per client IP and per chain. A zero limit
// disables that dimension; limits need redis.
type RateLimitConfig struct {
	Window           time.Duration `envconfig:"LEDGER_RATE_LIMIT_WINDOW" default:"1m"`
	AppendIPLimit    int           `envconfig:"LEDGER_RATE_LIMIT_APPEND_IP" default:"600"`
	AppendChainLimit int           `envconfig:"LEDGER_RATE_LIMIT_APPEND_CHAIN" default:"3000"`
}

const (
	BrokerPubSub = "pubsub"
	BrokerKafka  = "kafka"
)

type EventingConfig struct {
	Broker string `envconfig:"LEDGER_EVENTING_BROKER" default:"pubsub"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"LEDGER_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"LEDGER_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"LEDGER_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	RecordsTopic    string `envconfig:"LEDGER_PUBSUB_RECORDS_TOPIC" default:"ledger-records"`
	AlertsTopic     string `envconfig:"LEDGER_PUBSUB_ALERTS_TOPIC" default:"ledger-compliance-alerts"`
	LifecycleTopic  string `envconfig:"LEDGER_PUBSUB_LIFECYCLE_TOPIC" default:"ledger-lifecycle"`
	AlertsSubscribe string `envconfig:"LEDGER_PUBSUB_ALERTS_SUBSCRIPTION"`
}

type KafkaConfig struct {
	Brokers      []string      `envconfig:"LEDGER_KAFKA_BROKERS"`
	ClientID     string        `envconfig:"LEDGER_KAFKA_CLIENT_ID" default:"compliance-ledger"`
	BatchTimeout time.Duration `envconfig:"LEDGER_KAFKA_BATCH_TIMEOUT" default:"10ms"`
	WriteTimeout time.Duration `envconfig:"LEDGER_KAFKA_WRITE_TIMEOUT" default:"10s"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"LEDGER_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"LEDGER_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"LEDGER_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"LEDGER_OUTBOX_RETENTION_DAYS" default:"30"`
}

type CronConfig struct {
	Interval        time.Duration `envconfig:"LEDGER_CRON_INTERVAL" default:"5m"`
	LockTTL         time.Duration `envconfig:"LEDGER_CRON_LOCK_TTL" default:"4m"`
	VerifyChains    bool          `envconfig:"LEDGER_CRON_VERIFY_CHAINS" default:"true"`
	OutboxRetention bool          `envconfig:"LEDGER_CRON_OUTBOX_RETENTION" default:"true"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
