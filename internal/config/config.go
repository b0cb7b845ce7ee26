// Package config builds the server configuration from flags whose defaults
// come from the environment and an optional .env file.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/kinder2149/paperclip-cloud/internal/limiter"
	"github.com/kinder2149/paperclip-cloud/internal/service"
)

// Backend names.
const (
	BackendFiles    = "files"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
	BackendNoop     = "noop"
)

// Config is built once in cmd/server and passed to constructors.
type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	Dev             bool
	// TrustProxyHeaders takes the client address from X-Forwarded-For and
	// X-Real-IP. Only safe behind a proxy that overwrites them.
	TrustProxyHeaders bool
	ShutdownTimeout time.Duration
	ProbeInterval   time.Duration

	Secret           string
	TokenTTL         time.Duration
	LegacyPolicy     service.LegacySubjectPolicy
	DefaultProvider  string
	AllowLegacyLogin bool

	MaxSnapshotBytes         int
	SchemaVersion            int64
	GameModes                []string
	RequireConditionalWrites bool

	SaveBackend     string
	StorageDir      string
	IdentityBackend string
	IdentityDBPath  string
	LimiterBackend  string
	DatabaseURL     string
	RedisURL        string

	LoginWindow   time.Duration
	LoginMaxHits  int
	LoginBlockFor time.Duration
}

// Getenv looks up an environment variable; empty means unset.
type Getenv func(key string) string

// Env returns a Getenv that prefers the process environment and falls back to
// the given dotenv files. Missing files are ignored.
func Env(files ...string) (Getenv, error) {
	fileVals := map[string]string{}
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		for k, v := range vals {
			if _, seen := fileVals[k]; !seen {
				fileVals[k] = v
			}
		}
	}
	return func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fileVals[key]
	}, nil
}

// Load reads .env from the working directory and parses os.Args-style flags.
func Load(args []string) (*Config, error) {
	env, err := Env(".env")
	if err != nil {
		return nil, err
	}
	return Parse(flag.NewFlagSet("paperclip-server", flag.ContinueOnError), args, env)
}

// Parse registers all flags on fset with environment defaults, parses args and
// validates the result.
func Parse(fset *flag.FlagSet, args []string, env Getenv) (*Config, error) {
	d := defaults{env: env}
	c := &Config{}
	var (
		policy    string
		gameModes string
		ttlSecs   int
	)

	fset.StringVar(&c.HTTPAddr, "addr", d.str("HTTP_ADDR", ":8080"), "HTTP listen address")
	fset.StringVar(&c.GRPCAddr, "grpc-addr", d.str("GRPC_ADDR", ":9090"), "gRPC health listen address (empty disables)")
	fset.BoolVar(&c.Dev, "dev", d.boolean("DEV", false), "development logging and gRPC reflection")
	fset.BoolVar(&c.TrustProxyHeaders, "trust-proxy-headers", d.boolean("TRUST_PROXY_HEADERS", false), "take the client address from X-Forwarded-For/X-Real-IP")
	fset.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", d.dur("SHUTDOWN_TIMEOUT", 10*time.Second), "graceful shutdown budget")
	fset.DurationVar(&c.ProbeInterval, "probe-interval", d.dur("PROBE_INTERVAL", 15*time.Second), "backend health probe period")

	fset.StringVar(&c.Secret, "secret", d.str("SECRET_KEY", d.str("JWT_SECRET_KEY", "")), "HS256 signing key (required)")
	fset.IntVar(&ttlSecs, "jwt-ttl", d.integer("JWT_TTL_SECONDS", 3600), "session token lifetime in seconds")
	fset.StringVar(&policy, "legacy-subject-policy", d.str("LEGACY_SUBJECT_POLICY", string(service.LegacyReject)), "reject|resolve tokens whose subject is not a player uid")
	fset.StringVar(&c.DefaultProvider, "default-provider", d.str("DEFAULT_PROVIDER", "google"), "provider for legacy logins and subjects")
	fset.BoolVar(&c.AllowLegacyLogin, "allow-legacy-login", d.boolean("ALLOW_LEGACY_LOGIN", false), "accept {\"playerId\"} login bodies")

	fset.IntVar(&c.MaxSnapshotBytes, "max-snapshot-bytes", d.integer("MAX_SNAPSHOT_BYTES", service.DefaultMaxSnapshotBytes), "canonical snapshot size limit")
	fset.Int64Var(&c.SchemaVersion, "schema-version", int64(d.integer("SNAPSHOT_SCHEMA_VERSION", 1)), "highest accepted snapshotSchemaVersion")
	fset.StringVar(&gameModes, "game-modes", d.str("GAME_MODE_ENUM", ""), "comma separated allowed game modes (empty: any)")
	fset.BoolVar(&c.RequireConditionalWrites, "require-conditional-writes", d.boolean("REQUIRE_CONDITIONAL_WRITES", false), "demand If-None-Match/If-Match on writes")

	fset.StringVar(&c.SaveBackend, "save-backend", d.str("SAVE_BACKEND", BackendFiles), "files|postgres|redis")
	fset.StringVar(&c.StorageDir, "storage-dir", d.str("CLOUD_STORAGE_DIR", "cloud_data"), "directory of the files save backend")
	fset.StringVar(&c.IdentityBackend, "identity-backend", d.str("IDENTITY_BACKEND", BackendSQLite), "sqlite|postgres")
	fset.StringVar(&c.IdentityDBPath, "identity-db", d.str("IDENTITY_DB_PATH", "paperclip2.db"), "SQLite identity database file")
	fset.StringVar(&c.LimiterBackend, "limiter-backend", d.str("LIMITER_BACKEND", BackendNoop), "noop|postgres|redis")
	fset.StringVar(&c.DatabaseURL, "dsn", d.str("DATABASE_URL", ""), "PostgreSQL DSN")
	fset.StringVar(&c.RedisURL, "redis-url", d.str("REDIS_URL", ""), "redis:// URL")

	fset.DurationVar(&c.LoginWindow, "login-window", d.dur("LOGIN_WINDOW", limiter.DefaultPolicy.Window), "login throttle window")
	fset.IntVar(&c.LoginMaxHits, "login-max-hits", d.integer("LOGIN_MAX_HITS", limiter.DefaultPolicy.MaxHits), "logins per window before blocking")
	fset.DurationVar(&c.LoginBlockFor, "login-block-for", d.dur("LOGIN_BLOCK_FOR", limiter.DefaultPolicy.BlockFor), "login block duration")

	fset.SetOutput(io.Discard)
	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if d.err != nil {
		return nil, d.err
	}

	c.TokenTTL = time.Duration(ttlSecs) * time.Second
	c.LegacyPolicy = service.LegacySubjectPolicy(policy)
	c.GameModes = splitList(gameModes)
	c.SaveBackend = strings.ToLower(c.SaveBackend)
	c.IdentityBackend = strings.ToLower(c.IdentityBackend)
	c.LimiterBackend = strings.ToLower(c.LimiterBackend)

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var problems []error
	bad := func(format string, a ...any) { problems = append(problems, fmt.Errorf(format, a...)) }

	if strings.TrimSpace(c.Secret) == "" {
		bad("secret is required (SECRET_KEY or -secret)")
	}
	if c.TokenTTL <= 0 {
		bad("token ttl must be positive")
	}
	if _, err := service.ParseLegacySubjectPolicy(string(c.LegacyPolicy)); err != nil {
		bad("%v", err)
	}
	if strings.TrimSpace(c.DefaultProvider) == "" {
		bad("default provider is required")
	}
	if c.MaxSnapshotBytes <= 0 {
		bad("max snapshot bytes must be positive")
	}
	if c.SchemaVersion <= 0 {
		bad("schema version must be positive")
	}
	if c.LoginMaxHits <= 0 || c.LoginWindow <= 0 || c.LoginBlockFor <= 0 {
		bad("login throttle settings must be positive")
	}

	switch c.SaveBackend {
	case BackendFiles:
		if c.StorageDir == "" {
			bad("storage dir is required for the files backend")
		}
	case BackendPostgres:
	case BackendRedis:
	default:
		bad("unknown save backend %q", c.SaveBackend)
	}
	switch c.IdentityBackend {
	case BackendSQLite:
		if c.IdentityDBPath == "" {
			bad("identity db path is required for the sqlite backend")
		}
	case BackendPostgres:
	default:
		bad("unknown identity backend %q", c.IdentityBackend)
	}
	switch c.LimiterBackend {
	case BackendNoop, BackendPostgres, BackendRedis:
	default:
		bad("unknown limiter backend %q", c.LimiterBackend)
	}

	if c.needs(BackendPostgres) && c.DatabaseURL == "" {
		bad("DATABASE_URL is required by the postgres backend")
	}
	if c.needs(BackendRedis) && c.RedisURL == "" {
		bad("REDIS_URL is required by the redis backend")
	}
	return errors.Join(problems...)
}

func (c *Config) needs(backend string) bool {
	return c.SaveBackend == backend || c.IdentityBackend == backend || c.LimiterBackend == backend
}

// NeedsPostgres reports whether any component runs on PostgreSQL.
func (c *Config) NeedsPostgres() bool { return c.needs(BackendPostgres) }

// NeedsRedis reports whether any component runs on Redis.
func (c *Config) NeedsRedis() bool { return c.needs(BackendRedis) }

// LimiterPolicy returns the login throttle policy.
func (c *Config) LimiterPolicy() limiter.Policy {
	return limiter.Policy{Window: c.LoginWindow, MaxHits: c.LoginMaxHits, BlockFor: c.LoginBlockFor}
}

// defaults resolves flag defaults from the environment and remembers the
// first malformed value.
type defaults struct {
	env Getenv
	err error
}

func (d *defaults) get(key string) string {
	if d.env == nil {
		return ""
	}
	return strings.TrimSpace(d.env(key))
}

func (d *defaults) str(key, def string) string {
	if v := d.get(key); v != "" {
		return v
	}
	return def
}

func (d *defaults) boolean(key string, def bool) bool {
	v := d.get(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		d.fail(key, v)
		return def
	}
	return b
}

func (d *defaults) integer(key string, def int) int {
	v := d.get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		d.fail(key, v)
		return def
	}
	return n
}

func (d *defaults) dur(key string, def time.Duration) time.Duration {
	v := d.get(key)
	if v == "" {
		return def
	}
	t, err := time.ParseDuration(v)
	if err != nil {
		d.fail(key, v)
		return def
	}
	return t
}

func (d *defaults) fail(key, v string) {
	if d.err == nil {
		d.err = fmt.Errorf("env %s: invalid value %q", key, v)
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
