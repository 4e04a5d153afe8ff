// Package newstalk parses gateway command flags and composes the chat
// gateway's collaborators.
package newstalk

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	entrypoint "github.com/assetplanner/newstalk/internal/platform/cmd"
	platformgrpc "github.com/assetplanner/newstalk/internal/platform/grpc"
	"github.com/assetplanner/newstalk/internal/platform/logging"
	"github.com/assetplanner/newstalk/internal/platform/timeouts"
	server "github.com/assetplanner/newstalk/internal/services/newstalk/app"
	"github.com/assetplanner/newstalk/internal/services/newstalk/presence"
	"github.com/assetplanner/newstalk/internal/services/newstalk/pubsub"
	"github.com/assetplanner/newstalk/internal/services/newstalk/session"
	sessionsqlite "github.com/assetplanner/newstalk/internal/services/newstalk/session/sqlite"
)

// Session store backends for cookie mode.
const (
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Config holds gateway command configuration.
type Config struct {
	HTTPAddr   string `env:"NEWSTALK_HTTP_ADDR"   envDefault:":5000"`
	HealthAddr string `env:"NEWSTALK_HEALTH_ADDR"`
	ClientURL  string `env:"NEWSTALK_CLIENT_URL"`

	MaxUsers      int    `env:"NEWSTALK_MAX_CONCURRENT_USERS" envDefault:"20"`
	OrdinalPolicy string `env:"NEWSTALK_ORDINAL_POLICY"       envDefault:"compacted"`

	Broker   string `env:"NEWSTALK_BROKER"    envDefault:"redis"`
	RedisURL string `env:"NEWSTALK_REDIS_URL" envDefault:"redis://localhost:6379/0"`
	NATSURL  string `env:"NEWSTALK_NATS_URL"  envDefault:"nats://127.0.0.1:4222"`

	SessionMode      string   `env:"NEWSTALK_SESSION_MODE"       envDefault:"cookie"`
	SessionStore     string   `env:"NEWSTALK_SESSION_STORE"      envDefault:"redis"`
	SessionSecrets   []string `env:"NEWSTALK_SESSION_SECRET"     envSeparator:","`
	SessionCookie    string   `env:"NEWSTALK_SESSION_COOKIE"     envDefault:"connect.sid"`
	SessionKeyPrefix string   `env:"NEWSTALK_SESSION_KEY_PREFIX" envDefault:"sess:"`
	SessionDBPath    string   `env:"NEWSTALK_SESSION_DB_PATH"    envDefault:"data/sessions.db"`

	// SessionPurgeInterval paces expired-session cleanup in the SQLite store.
	SessionPurgeInterval time.Duration `env:"NEWSTALK_SESSION_PURGE_INTERVAL" envDefault:"10m"`

	TimeZone  string `env:"NEWSTALK_TIME_ZONE"  envDefault:"Local"`
	LogLevel  string `env:"NEWSTALK_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"NEWSTALK_LOG_FORMAT" envDefault:"json"`

	// HealthProbe checks a running gateway's health endpoint and exits.
	HealthProbe bool
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.HealthAddr, "health-addr", cfg.HealthAddr, "gRPC health listen address (empty disables)")
	fs.StringVar(&cfg.ClientURL, "client-url", cfg.ClientURL, "allowed websocket origin (empty allows any)")
	fs.IntVar(&cfg.MaxUsers, "max-users", cfg.MaxUsers, "maximum concurrent chat users")
	fs.StringVar(&cfg.OrdinalPolicy, "ordinal-policy", cfg.OrdinalPolicy, "anonymous number policy: compacted or monotonic")
	fs.StringVar(&cfg.Broker, "broker", cfg.Broker, "pub/sub broker: redis, nats or memory")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "Redis URL for pub/sub and sessions")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS server URL")
	fs.StringVar(&cfg.SessionMode, "session-mode", cfg.SessionMode, "session binding: cookie, token or none")
	fs.StringVar(&cfg.SessionStore, "session-store", cfg.SessionStore, "cookie session store: redis or sqlite")
	fs.Func("session-secret", "comma-separated session secrets, newest first", func(raw string) error {
		cfg.SessionSecrets = splitSecrets(raw)
		return nil
	})
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.BoolVar(&cfg.HealthProbe, "health-probe", false, "probe -health-addr and exit")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func splitSecrets(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Run builds the gateway and serves until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return run(ctx, cfg, os.Stderr)
}

func run(ctx context.Context, cfg Config, logOut io.Writer) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, logOut)
	if err != nil {
		return err
	}
	logger = logger.With().Str("service", entrypoint.ServiceNewstalk).Logger()

	if cfg.HealthProbe {
		return probe(ctx, cfg, logger)
	}

	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceNewstalk, entrypoint.RunOptions{Logger: logger}, func(ctx context.Context) error {
		deps, err := build(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer deps.close()

		if deps.purger != nil {
			purgeCtx, stopPurge := context.WithCancel(ctx)
			purged := make(chan struct{})
			go func() {
				defer close(purged)
				purgeExpiredSessions(purgeCtx, deps.purger, cfg.SessionPurgeInterval, logger)
			}()
			defer func() {
				stopPurge()
				<-purged
			}()
		}

		if err := server.Run(ctx, server.Config{
			HTTPAddr:   cfg.HTTPAddr,
			HealthAddr: cfg.HealthAddr,
			ClientURL:  cfg.ClientURL,
			Registry:   deps.registry,
			Broker:     deps.broker,
			Resolver:   deps.resolver,
			Location:   deps.location,
			Logger:     logger,
		}); err != nil {
			return fmt.Errorf("serve newstalk: %w", err)
		}
		return nil
	})
}

func probe(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	addr := strings.TrimSpace(cfg.HealthAddr)
	if addr == "" {
		return errors.New("health probe requires -health-addr")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeouts.Subscribe)
	defer cancel()
	if err := platformgrpc.Probe(probeCtx, addr, server.HealthService, logger); err != nil {
		return fmt.Errorf("health probe %s: %w", addr, err)
	}
	return nil
}

// deps holds the gateway collaborators and closes them in reverse order.
type deps struct {
	registry *presence.Registry
	broker   pubsub.Broker
	resolver session.Resolver
	location *time.Location

	purger  sessionPurger
	redis   *redis.Client
	closers []func() error
	logger  zerolog.Logger
}

func build(ctx context.Context, cfg Config, logger zerolog.Logger) (_ *deps, err error) {
	d := &deps{logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	policy, err := presence.ParsePolicy(cfg.OrdinalPolicy)
	if err != nil {
		return nil, err
	}
	if d.registry, err = presence.NewRegistry(cfg.MaxUsers, policy); err != nil {
		return nil, err
	}
	if d.location, err = loadLocation(cfg.TimeZone); err != nil {
		return nil, err
	}
	if d.broker, err = d.openBroker(ctx, cfg); err != nil {
		return nil, err
	}
	if d.resolver, err = d.openResolver(ctx, cfg); err != nil {
		return nil, err
	}
	return d, nil
}

func loadLocation(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("load time zone: %w", err)
	}
	return loc, nil
}

func (d *deps) openBroker(ctx context.Context, cfg Config) (pubsub.Broker, error) {
	kind, err := pubsub.ParseKind(cfg.Broker)
	if err != nil {
		return nil, err
	}
	var broker pubsub.Broker
	switch kind {
	case pubsub.KindRedis:
		client, err := d.redisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		broker = pubsub.NewRedis(client, d.logger)
	case pubsub.KindNATS:
		n, err := pubsub.DialNATS(cfg.NATSURL, d.logger)
		if err != nil {
			return nil, err
		}
		broker = n
	default:
		broker = pubsub.NewMemory()
	}
	d.closers = append(d.closers, broker.Close)
	d.logger.Info().Str("broker", string(kind)).Msg("pub/sub broker ready")
	return broker, nil
}

func (d *deps) openResolver(ctx context.Context, cfg Config) (session.Resolver, error) {
	mode, err := session.ParseMode(cfg.SessionMode)
	if err != nil {
		return nil, err
	}
	switch mode {
	case session.ModeNone:
		d.logger.Warn().Msg("session binding disabled, every socket is anonymous")
		return session.ConnectionResolver{}, nil
	case session.ModeToken:
		var secret string
		if len(cfg.SessionSecrets) > 0 {
			secret = cfg.SessionSecrets[0]
		}
		resolver, err := session.NewTokenResolver(secret, nil)
		if err != nil {
			return nil, err
		}
		return resolver, nil
	}

	var store session.Store
	switch strings.ToLower(strings.TrimSpace(cfg.SessionStore)) {
	case StoreRedis:
		client, err := d.redisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		store = session.NewRedisStore(client, cfg.SessionKeyPrefix)
	case StoreSQLite:
		if dir := filepath.Dir(cfg.SessionDBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create session db dir: %w", err)
			}
		}
		s, err := sessionsqlite.Open(ctx, cfg.SessionDBPath)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		d.closers = append(d.closers, s.Close)
		d.purger = s
		store = s
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
	resolver, err := session.NewCookieResolver(cfg.SessionCookie, cfg.SessionSecrets, store)
	if err != nil {
		return nil, err
	}
	return resolver, nil
}

// redisClient dials Redis once; the broker and session store share it.
func (d *deps) redisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	if d.redis != nil {
		return d.redis, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	d.redis = client
	d.closers = append(d.closers, client.Close)
	return client, nil
}

func (d *deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && !errors.Is(err, pubsub.ErrClosed) {
			d.logger.Warn().Err(err).Msg("close dependency")
		}
	}
	d.closers = nil
}

// sessionPurger deletes expired sessions from stores without key expiry.
type sessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func purgeExpiredSessions(ctx context.Context, purger sessionPurger, interval time.Duration, logger zerolog.Logger) {
	if interval <= 0 {
		return
	}
	logger = logging.Component(logger, "session.purge")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := purger.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn().Err(err).Msg("purge expired sessions")
				}
				continue
			}
			if n > 0 {
				logger.Info().Int64("purged", n).Msg("purged expired sessions")
			}
		}
	}
}
