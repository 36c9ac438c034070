// Package config loads process configuration from a .env file and the
// environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"farming-ledger/models"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverBolt     = "bolt"
)

type Config struct {
	Production     bool
	ListenAddr     string
	ServiceToken   string
	// AllowedOrigins enables CORS for the ops dashboard when non-empty.
	AllowedOrigins []string

	StoreDriver string
	DatabaseURL string
	BoltPath    string

	NATSURL  string
	RedisURL string

	DepositSourceURL    string
	DepositSourceToken  string
	DepositPollInterval time.Duration

	ProfileSyncURL      string
	ProfileSyncToken    string
	ProfileSyncInterval time.Duration

	R2AccountID    string
	R2AccessKeyID  string
	R2AccessSecret string
	R2Bucket       string

	Engine Engine
}

// R2Enabled reports whether drift reports should be archived.
func (c Config) R2Enabled() bool {
	return c.R2AccountID != "" && c.R2Bucket != ""
}

// Load reads .env (if present) and the environment. loadedDotEnv is false
// when no .env file was found, which is normal in containers.
func Load() (cfg Config, loadedDotEnv bool, err error) {
	loadedDotEnv = godotenv.Load() == nil
	cfg, err = FromEnv(os.Getenv)
	return cfg, loadedDotEnv, err
}

// FromEnv builds a Config from getenv and validates it.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	eng := DefaultEngine()

	cfg := Config{
		Production:     p.bool("PRODUCTION", false),
		ListenAddr:     p.string("LISTEN_ADDR", ":5300"),
		ServiceToken:   p.string("SERVICE_TOKEN", ""),
		AllowedOrigins: splitList(p.string("ALLOWED_ORIGINS", "")),

		StoreDriver: strings.ToLower(p.string("STORE_DRIVER", StoreDriverPostgres)),
		DatabaseURL: p.string("DATABASE_URL", ""),
		BoltPath:    p.string("BOLT_PATH", "./data/ledger.db"),

		NATSURL:  p.string("NATS_URL", ""),
		RedisURL: p.string("REDIS_URL", ""),

		DepositSourceURL:    p.string("DEPOSIT_SOURCE_URL", ""),
		DepositSourceToken:  p.string("DEPOSIT_SOURCE_TOKEN", ""),
		DepositPollInterval: p.duration("DEPOSIT_POLL_INTERVAL", 10*time.Second),

		ProfileSyncURL:      p.string("PROFILE_SYNC_URL", ""),
		ProfileSyncToken:    p.string("PROFILE_SYNC_TOKEN", ""),
		ProfileSyncInterval: p.duration("PROFILE_SYNC_INTERVAL", 15*time.Second),

		R2AccountID:    p.string("CLOUDFLARE_ACCOUNT_ID", ""),
		R2AccessKeyID:  p.string("R2_ACCESS_KEY_ID", ""),
		R2AccessSecret: p.string("R2_ACCESS_KEY_SECRET", ""),
		R2Bucket:       p.string("R2_BUCKET_NAME", ""),
	}

	eng.TickInterval = p.duration("TICK_INTERVAL", eng.TickInterval)
	eng.MinTickInterval = p.duration("MIN_TICK_INTERVAL", eng.TickInterval)
	eng.Workers = p.int("ACCRUAL_WORKERS", eng.Workers)
	eng.MaxPositionFailures = p.int("MAX_POSITION_FAILURES", eng.MaxPositionFailures)
	eng.CascadeResumeAfter = p.duration("CASCADE_RESUME_AFTER", eng.CascadeResumeAfter)
	eng.ReconcileEpsilon = p.decimal("RECONCILE_EPSILON", eng.ReconcileEpsilon)
	eng.ReadCheckMode = ReadCheckMode(strings.ToLower(p.string("READ_CHECK_MODE", string(eng.ReadCheckMode))))
	eng.ReconcileSweepInterval = p.duration("RECONCILE_SWEEP_INTERVAL", eng.ReconcileSweepInterval)
	eng.DepositClaimTTL = p.duration("DEPOSIT_CLAIM_TTL", eng.DepositClaimTTL)

	for _, c := range models.Currencies {
		cur := eng.Currencies[c]
		cur.Rate = p.decimal("RATE_"+string(c), cur.Rate)
		cur.Precision = int32(p.int("PRECISION_"+string(c), int(cur.Precision)))
		eng.Currencies[c] = cur
	}
	cfg.Engine = eng

	if p.err != nil {
		return Config{}, p.err
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// parser keeps the first parse error so callers can read every key and
// check once.
type parser struct {
	getenv func(string) string
	err    error
}

func (p *parser) fail(key, raw string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("%w: %s=%q: %v", ErrInvalidValue, key, raw, err)
	}
}

func (p *parser) string(key, def string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return def
}

func (p *parser) bool(key string, def bool) bool {
	raw := p.string(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) int(key string, def int) int {
	raw := p.string(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	raw := p.string(key, "")
	if raw == "" {
		return def
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func (p *parser) decimal(key string, def decimal.Decimal) decimal.Decimal {
	raw := p.string(key, "")
	if raw == "" {
		return def
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(key, raw, err)
		return def
	}
	return v
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
