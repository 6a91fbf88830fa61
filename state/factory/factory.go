// Package factory builds a state.Store from configuration or the AGENT_*
// environment.
package factory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/agent-runtime-go/internal/config"
	"github.com/PipeOpsHQ/agent-runtime-go/state"
	"github.com/PipeOpsHQ/agent-runtime-go/state/hybrid"
	"github.com/PipeOpsHQ/agent-runtime-go/state/memory"
	mongostore "github.com/PipeOpsHQ/agent-runtime-go/state/mongo"
	redisstore "github.com/PipeOpsHQ/agent-runtime-go/state/redis"
	sqlitestore "github.com/PipeOpsHQ/agent-runtime-go/state/sqlite"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendHybrid = "hybrid"
	BackendMongo  = "mongo"
)

type Config struct {
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlitePath"`
	RedisAddr     string        `yaml:"redisAddr"`
	RedisPassword string        `yaml:"redisPassword"`
	RedisDB       int           `yaml:"redisDB"`
	RedisTTL      time.Duration `yaml:"redisTTL"`
	MongoURI      string        `yaml:"mongoURI"`
	MongoDatabase string        `yaml:"mongoDatabase"`
}

func DefaultConfig() Config {
	return Config{
		Backend:       BackendSQLite,
		SQLitePath:    "./.agentrt/state.db",
		RedisAddr:     "127.0.0.1:6379",
		RedisTTL:      72 * time.Hour,
		MongoURI:      "mongodb://127.0.0.1:27017",
		MongoDatabase: "agentrt",
	}
}

// ConfigFromEnv overlays the AGENT_* variables on base.
func ConfigFromEnv(base Config) Config {
	base.Backend = config.Getenv("AGENT_STATE_BACKEND", base.Backend)
	base.SQLitePath = config.Getenv("AGENT_SQLITE_PATH", base.SQLitePath)
	base.RedisAddr = config.Getenv("AGENT_REDIS_ADDR", base.RedisAddr)
	base.RedisPassword = config.Getenv("AGENT_REDIS_PASSWORD", base.RedisPassword)
	base.RedisDB = config.ParseIntEnv("AGENT_REDIS_DB", base.RedisDB)
	base.RedisTTL = config.ParseDurationEnv("AGENT_REDIS_TTL", base.RedisTTL)
	base.MongoURI = config.Getenv("AGENT_MONGO_URI", base.MongoURI)
	base.MongoDatabase = config.Getenv("AGENT_MONGO_DATABASE", base.MongoDatabase)
	return base
}

func FromEnv(ctx context.Context) (state.Store, error) {
	return FromConfig(ctx, ConfigFromEnv(DefaultConfig()), zap.NewNop())
}

func FromConfig(ctx context.Context, cfg Config, logger *zap.Logger) (state.Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case BackendMemory:
		return memory.New(), nil

	case BackendSQLite, "":
		return sqlitestore.New(cfg.SQLitePath)

	case BackendRedis:
		return newRedisStore(cfg)

	case BackendMongo:
		return mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase, logger)

	case BackendHybrid:
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(cfg)
		if err != nil {
			logger.Warn("redis cache unavailable, using sqlite only", zap.String("addr", cfg.RedisAddr), zap.Error(err))
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use memory, sqlite, redis, hybrid, or mongo)", backend)
	}
}

func newRedisStore(cfg Config) (state.Store, error) {
	return redisstore.New(cfg.RedisAddr,
		redisstore.WithPassword(cfg.RedisPassword),
		redisstore.WithDB(cfg.RedisDB),
		redisstore.WithTTL(cfg.RedisTTL),
	)
}
