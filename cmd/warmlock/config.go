package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-warmlock/v1/core"
	"github.com/mirkobrombin/go-warmlock/v1/presets"
)

// settings is the resolved configuration after flags, environment and the
// optional config file have been merged.
type settings struct {
	Store          string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	Prefix         string
	DSN            string
	Table          string
	LockTable      string
	Region         string
	Endpoint       string
	ConsistentRead bool
	EtcdEndpoints  []string
	RefreshWindow  time.Duration
	LockDuration   time.Duration
	OnContention   string
	MaxRetries     int
	LogLevel       string
}

func addStoreFlags(cmd *cobra.Command, v *viper.Viper) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "path to a YAML/JSON/TOML config file")
	flags.String("store", "memory", "backing store: memory, redis, sqlite, postgres, mysql, dynamodb, etcd")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database number")
	flags.String("prefix", "", "key prefix for redis and etcd stores")
	flags.String("dsn", "", "data source name for sql stores")
	flags.String("table", "", "dynamodb table, or sql entries table")
	flags.String("lock-table", "", "dynamodb or sql table holding locks")
	flags.String("region", "", "aws region for dynamodb")
	flags.String("endpoint", "", "dynamodb endpoint override")
	flags.Bool("consistent-read", false, "use strongly consistent dynamodb reads")
	flags.StringSlice("etcd-endpoints", []string{"localhost:2379"}, "etcd endpoints")
	flags.Duration("refresh-window", core.DefaultRefreshWindow, "refresh entries expiring within this window")
	flags.Duration("lock-duration", core.DefaultLockDuration, "how long an acquired lock is held")
	flags.String("on-contention", "fail", "contention policy: fail or returnEmpty")
	flags.Int("max-retries", core.DefaultMaxRetries, "extra passes allowed after reclaiming a stale lock")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	flags.VisitAll(func(f *pflag.Flag) {
		if err := v.BindPFlag(f.Name, f); err != nil {
			panic(err)
		}
	})

	v.SetEnvPrefix("WARMLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func loadSettings(v *viper.Viper) (settings, error) {
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return settings{}, fmt.Errorf("read config file %q: %w", path, err)
		}
	}
	s := settings{
		Store:          strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		RedisAddr:      v.GetString("redis-addr"),
		RedisPassword:  v.GetString("redis-password"),
		RedisDB:        v.GetInt("redis-db"),
		Prefix:         v.GetString("prefix"),
		DSN:            v.GetString("dsn"),
		Table:          v.GetString("table"),
		LockTable:      v.GetString("lock-table"),
		Region:         v.GetString("region"),
		Endpoint:       v.GetString("endpoint"),
		ConsistentRead: v.GetBool("consistent-read"),
		EtcdEndpoints:  v.GetStringSlice("etcd-endpoints"),
		RefreshWindow:  v.GetDuration("refresh-window"),
		LockDuration:   v.GetDuration("lock-duration"),
		OnContention:   v.GetString("on-contention"),
		MaxRetries:     v.GetInt("max-retries"),
		LogLevel:       v.GetString("log-level"),
	}
	return s, nil
}

func newLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func coreOptions(s settings, logger *slog.Logger) ([]core.Option, error) {
	policy, err := core.ParseContentionPolicy(s.OnContention)
	if err != nil {
		return nil, err
	}
	return []core.Option{
		core.WithRefreshWindow(s.RefreshWindow),
		core.WithLockDuration(s.LockDuration),
		core.WithOnContention(policy),
		core.WithMaxRetries(s.MaxRetries),
		core.WithLogger(logger),
	}, nil
}

func openStack(ctx context.Context, s settings, opts []core.Option) (*presets.Stack, error) {
	switch s.Store {
	case "memory", "":
		return presets.NewInMemory(opts...), nil
	case "redis":
		return presets.NewRedis(presets.RedisOptions{
			Addr:     s.RedisAddr,
			Password: s.RedisPassword,
			DB:       s.RedisDB,
			Prefix:   s.Prefix,
		}, opts...), nil
	case "sqlite", "postgres", "mysql":
		if s.DSN == "" {
			return nil, fmt.Errorf("--dsn is required for the %s store", s.Store)
		}
		return presets.NewSQL(presets.SQLOptions{
			Driver:       s.Store,
			DSN:          s.DSN,
			EntriesTable: s.Table,
			LocksTable:   s.LockTable,
		}, opts...)
	case "dynamodb":
		return presets.NewDynamo(ctx, presets.DynamoOptions{
			Region:         s.Region,
			Endpoint:       s.Endpoint,
			Table:          s.Table,
			LockTable:      s.LockTable,
			ConsistentRead: s.ConsistentRead,
		}, opts...)
	case "etcd":
		return presets.NewEtcd(presets.EtcdOptions{
			Endpoints: s.EtcdEndpoints,
			Prefix:    s.Prefix,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown store %q", s.Store)
	}
}

// setup turns the merged configuration into a ready Stack and logger.
func setup(ctx context.Context, v *viper.Viper) (*presets.Stack, *slog.Logger, error) {
	s, err := loadSettings(v)
	if err != nil {
		return nil, nil, err
	}
	logger, err := newLogger(s.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	opts, err := coreOptions(s, logger)
	if err != nil {
		return nil, nil, err
	}
	stack, err := openStack(ctx, s, opts)
	if err != nil {
		return nil, nil, err
	}
	logger.Debug("store ready", "store", s.Store)
	return stack, logger, nil
}
