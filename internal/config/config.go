package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type Config struct {
	Port       string
	DBURL      string
	LogLevel   string
	DBMaxConns int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	EngineMaxRetries int

	SweeperInterval  time.Duration
	SweeperBatchSize int

	SnapshotInterval time.Duration
	SnapshotPageSize int
	SnapshotTTL      time.Duration

	Policy PolicyConfig
}

// PolicyRule is the raw configuration behind a models.Policy.
type PolicyRule struct {
	AllowNegative bool
	DailyDebitCap *decimal.Decimal
}

// PolicyConfig holds the default rule and overrides keyed by "tenant|currency".
// Either part of the key may be "*".
type PolicyConfig struct {
	Default   PolicyRule
	Overrides map[string]PolicyRule
}

func PolicyKey(tenant, currency string) string {
	return tenant + "|" + strings.ToUpper(currency)
}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load("config.env")

	defaultCap, err := parseOptionalDecimal(os.Getenv("POLICY_DEFAULT_DAILY_DEBIT_CAP"))
	if err != nil {
		return nil, fmt.Errorf("POLICY_DEFAULT_DAILY_DEBIT_CAP: %w", err)
	}
	overrides, err := ParsePolicyOverrides(os.Getenv("POLICY_OVERRIDES"))
	if err != nil {
		return nil, fmt.Errorf("POLICY_OVERRIDES: %w", err)
	}

	port := os.Getenv("APP_PORT")
	if port == "" {
		port = "8080"
	}

	return &Config{
		Port:     port,
		LogLevel: os.Getenv("LOG_LEVEL"),
		DBURL: fmt.Sprintf(
			"postgres://%s:%s@%s:%s/%s",
			os.Getenv("DB_USER"),
			os.Getenv("DB_PASSWORD"),
			os.Getenv("DB_HOST"),
			os.Getenv("DB_PORT"),
			os.Getenv("DB_NAME"),
		),
		DBMaxConns: intEnv("DB_MAX_CONNS", 8),

		RedisAddr:     stringEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       intEnv("REDIS_DB", 0),

		EngineMaxRetries: intEnv("ENGINE_MAX_RETRIES", 3),

		SweeperInterval:  durationEnv("SWEEPER_INTERVAL", time.Minute),
		SweeperBatchSize: intEnv("SWEEPER_BATCH_SIZE", 200),

		SnapshotInterval: durationEnv("SNAPSHOT_INTERVAL", 5*time.Minute),
		SnapshotPageSize: intEnv("SNAPSHOT_PAGE_SIZE", 500),
		SnapshotTTL:      durationEnv("SNAPSHOT_TTL", 24*time.Hour),

		Policy: PolicyConfig{
			Default: PolicyRule{
				AllowNegative: boolEnv("POLICY_DEFAULT_ALLOW_NEGATIVE", false),
				DailyDebitCap: defaultCap,
			},
			Overrides: overrides,
		},
	}, nil
}

// ParsePolicyOverrides parses "tenant:currency:allow_negative:cap" entries
// separated by ";". An empty cap means no daily cap.
//
//	acme:USD:false:500;*:EUR:true:
func ParsePolicyOverrides(raw string) (map[string]PolicyRule, error) {
	overrides := make(map[string]PolicyRule)
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 4 {
			return nil, fmt.Errorf("invalid policy override %q", entry)
		}
		allowNegative, err := strconv.ParseBool(parts[2])
		if err != nil {
			return nil, fmt.Errorf("invalid allow_negative in %q: %w", entry, err)
		}
		dailyCap, err := parseOptionalDecimal(parts[3])
		if err != nil {
			return nil, fmt.Errorf("invalid cap in %q: %w", entry, err)
		}
		overrides[PolicyKey(parts[0], parts[1])] = PolicyRule{
			AllowNegative: allowNegative,
			DailyDebitCap: dailyCap,
		}
	}
	return overrides, nil
}

func parseOptionalDecimal(raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, err
	}
	if d.IsNegative() {
		return nil, fmt.Errorf("cap must not be negative: %s", raw)
	}
	return &d, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func boolEnv(key string, def bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
	}
	return def
}

func durationEnv(key string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return def
}
