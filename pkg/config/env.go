package config

// EnvPrefix is the envconfig prefix; every field also carries its full
// variable name as an explicit tag.
const EnvPrefix = "LEDGER"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

const (
	EnvAppEnv       = "LEDGER_APP_ENV"
	EnvPort         = "LEDGER_APP_PORT"
	EnvLogLevel     = "LEDGER_LOG_LEVEL"
	EnvServiceKind  = "LEDGER_SERVICE_KIND"
	EnvDBDSN        = "LEDGER_DB_DSN"
	EnvDBHost       = "LEDGER_DB_HOST"
	EnvDBUser       = "LEDGER_DB_USER"
	EnvDBName       = "LEDGER_DB_NAME"
	EnvRedisURL     = "LEDGER_REDIS_URL"
	EnvJWTSecret    = "LEDGER_JWT_SECRET"
	EnvJWTIssuer    = "LEDGER_JWT_ISSUER"
	EnvJWTExpMins   = "LEDGER_JWT_EXPIRATION_MINUTES"
	EnvStorage      = "LEDGER_STORAGE_BACKEND"
	EnvBlockingSev  = "LEDGER_BLOCKING_SEVERITY"
	EnvDigest       = "LEDGER_DIGEST_ALGORITHM"
	EnvRulesFile    = "LEDGER_COMPLIANCE_RULES_FILE"
	EnvSigningKeys  = "LEDGER_SIGNING_KEYS"
	EnvSigningKeyID = "LEDGER_SIGNING_ACTIVE_KEY_ID"
	EnvBroker       = "LEDGER_EVENTING_BROKER"
	EnvGCPProjectID = "LEDGER_GCP_PROJECT_ID"
	EnvKafkaBrokers = "LEDGER_KAFKA_BROKERS"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
