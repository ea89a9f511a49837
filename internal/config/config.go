package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

const (
	StoreBackendRedis    = "redis"
	StoreBackendDynamoDB = "dynamodb"

	OpCreate   = "create"
	OpAccept   = "accept"
	OpReject   = "reject"
	OpCancel   = "cancel"
	OpScore    = "score"
	OpWithdraw = "withdraw"

	MinKDFIterations = 1000
)

type RateLimitRule struct {
	Limit  int
	Window time.Duration
}

func (r RateLimitRule) String() string {
	return fmt.Sprintf("%d/%s", r.Limit, r.Window)
}

type Config struct {
	Env  string
	Port string

	StoreBackend string

	RedisURL  string
	RedisPass string
	RedisDB   int

	DynamoTable    string
	DynamoEndpoint string
	AWSRegion      string

	JWTSecret        string
	EncryptionSecret string
	KDFIterations    int

	ServiceChargeRate decimal.Decimal
	RejectFeeRate     decimal.Decimal
	ExpireFeeRate     decimal.Decimal
	CancelFeeRate     decimal.Decimal

	MinBetAmount       int64
	MaxBetAmount       int64
	MaxGameTitleLength int

	ChallengeTTL   time.Duration
	StuckThreshold time.Duration
	SweepInterval  time.Duration

	RateLimits map[string]RateLimitRule

	AllowedOrigins []string
	LogLevel       string
}

// DefaultRateLimits are applied per caller and operation.
func DefaultRateLimits() map[string]RateLimitRule {
	return map[string]RateLimitRule{
		OpCreate:   {Limit: 5, Window: time.Minute},
		OpAccept:   {Limit: 10, Window: time.Minute},
		OpReject:   {Limit: 10, Window: time.Minute},
		OpCancel:   {Limit: 10, Window: time.Minute},
		OpScore:    {Limit: 10, Window: time.Minute},
		OpWithdraw: {Limit: 3, Window: time.Minute},
	}
}

// Defaults returns a configuration with every tunable at its default and
// no secrets set.
func Defaults() *Config {
	return &Config{
		Env:                "development",
		Port:               "8080",
		StoreBackend:       StoreBackendRedis,
		RedisURL:           "localhost:6379",
		DynamoTable:        "wager_documents",
		AWSRegion:          "us-east-1",
		KDFIterations:      100000,
		ServiceChargeRate:  decimal.RequireFromString("0.20"),
		RejectFeeRate:      decimal.RequireFromString("0.04"),
		ExpireFeeRate:      decimal.RequireFromString("0.04"),
		CancelFeeRate:      decimal.RequireFromString("0.20"),
		MinBetAmount:       100,
		MaxBetAmount:       1000000,
		MaxGameTitleLength: 100,
		ChallengeTTL:       24 * time.Hour,
		StuckThreshold:     7 * 24 * time.Hour,
		SweepInterval:      time.Hour,
		RateLimits:         DefaultRateLimits(),
		AllowedOrigins:     []string{"http://localhost:3000"},
		LogLevel:           "info",
	}
}

func Load() (*Config, error) {
	cfg := Defaults()
	var err error

	cfg.Env = getEnv("ENV", cfg.Env)
	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.StoreBackend = strings.ToLower(getEnv("STORE_BACKEND", cfg.StoreBackend))
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisPass = os.Getenv("REDIS_PASSWORD")
	cfg.DynamoTable = getEnv("DYNAMODB_TABLE", cfg.DynamoTable)
	cfg.DynamoEndpoint = os.Getenv("DYNAMODB_ENDPOINT")
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.EncryptionSecret = os.Getenv("ENCRYPTION_SECRET")
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}

	if cfg.RedisDB, err = getInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}
	if cfg.KDFIterations, err = getInt("KDF_ITERATIONS", cfg.KDFIterations); err != nil {
		return nil, err
	}
	if cfg.MaxGameTitleLength, err = getInt("MAX_GAME_TITLE_LENGTH", cfg.MaxGameTitleLength); err != nil {
		return nil, err
	}
	if cfg.MinBetAmount, err = getInt64("MIN_BET_AMOUNT", cfg.MinBetAmount); err != nil {
		return nil, err
	}
	if cfg.MaxBetAmount, err = getInt64("MAX_BET_AMOUNT", cfg.MaxBetAmount); err != nil {
		return nil, err
	}

	if cfg.ServiceChargeRate, err = getRate("SERVICE_CHARGE_RATE", cfg.ServiceChargeRate); err != nil {
		return nil, err
	}
	if cfg.RejectFeeRate, err = getRate("REJECT_FEE_RATE", cfg.RejectFeeRate); err != nil {
		return nil, err
	}
	// The expire fee follows the reject fee unless set on its own.
	if cfg.ExpireFeeRate, err = getRate("EXPIRE_FEE_RATE", cfg.RejectFeeRate); err != nil {
		return nil, err
	}
	if cfg.CancelFeeRate, err = getRate("CANCEL_FEE_RATE", cfg.CancelFeeRate); err != nil {
		return nil, err
	}

	if cfg.ChallengeTTL, err = getDuration("CHALLENGE_TTL", cfg.ChallengeTTL); err != nil {
		return nil, err
	}
	if cfg.StuckThreshold, err = getDuration("STUCK_CHALLENGE_THRESHOLD", cfg.StuckThreshold); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}

	for op := range cfg.RateLimits {
		key := "RATE_LIMIT_" + strings.ToUpper(op)
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		rule, err := ParseRateLimitRule(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		cfg.RateLimits[op] = rule
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.EncryptionSecret == "" {
		return fmt.Errorf("ENCRYPTION_SECRET is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.KDFIterations < MinKDFIterations {
		return fmt.Errorf("KDF_ITERATIONS must be at least %d", MinKDFIterations)
	}
	switch c.StoreBackend {
	case StoreBackendRedis, StoreBackendDynamoDB:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.MinBetAmount < 1 {
		return fmt.Errorf("MIN_BET_AMOUNT must be positive")
	}
	if c.MaxBetAmount < c.MinBetAmount {
		return fmt.Errorf("MAX_BET_AMOUNT must not be below MIN_BET_AMOUNT")
	}
	if c.ChallengeTTL <= 0 || c.StuckThreshold <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("durations must be positive")
	}
	return nil
}

// ParseRateLimitRule parses "count/window", e.g. "5/1m".
func ParseRateLimitRule(s string) (RateLimitRule, error) {
	parts := strings.SplitN(strings.TrimSpace(s), "/", 2)
	if len(parts) != 2 {
		return RateLimitRule{}, fmt.Errorf("invalid rate limit %q, want count/window", s)
	}
	limit, err := strconv.Atoi(parts[0])
	if err != nil || limit < 1 {
		return RateLimitRule{}, fmt.Errorf("invalid rate limit count %q", parts[0])
	}
	window, err := time.ParseDuration(parts[1])
	if err != nil || window <= 0 {
		return RateLimitRule{}, fmt.Errorf("invalid rate limit window %q", parts[1])
	}
	return RateLimitRule{Limit: limit, Window: window}, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getRate(key string, fallback decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	rate, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: %w", key, err)
	}
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.Zero, fmt.Errorf("%s must be between 0 and 1", key)
	}
	return rate, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
