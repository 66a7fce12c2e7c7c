package presets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	redis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-warmlock/v1/adapter"
	"github.com/mirkobrombin/go-warmlock/v1/core"
)

// Stack bundles a Coordinator with the Store it runs on.
type Stack struct {
	*core.Coordinator
	Store adapter.Store
	close func() error
}

// Close releases the connections opened by the preset.
func (s *Stack) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func newStack(store adapter.Store, closeFn func() error, opts []core.Option) *Stack {
	return &Stack{Coordinator: core.New(store, opts...), Store: store, close: closeFn}
}

// NewInMemory creates a Coordinator backed by an in-process store. Useful
// for local development and tests.
func NewInMemory(opts ...core.Option) *Stack {
	return newStack(adapter.NewInMemoryStore(), nil, opts)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedis creates a Coordinator using Redis as the shared store.
func NewRedis(opts RedisOptions, coreOpts ...core.Option) *Stack {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	var storeOpts []adapter.RedisOption
	if opts.Prefix != "" {
		storeOpts = append(storeOpts, adapter.WithKeyPrefix(opts.Prefix))
	}
	return newStack(adapter.NewRedisStore(client, storeOpts...), client.Close, coreOpts)
}

// SQLOptions configures a relational store opened through GORM.
type SQLOptions struct {
	// Driver is one of "sqlite", "postgres" or "mysql".
	Driver string
	DSN    string
	// EntriesTable and LocksTable override the default table names.
	EntriesTable string
	LocksTable   string
}

// NewSQL creates a Coordinator on a relational database. Tables are
// migrated on start.
func NewSQL(opts SQLOptions, coreOpts ...core.Option) (*Stack, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(opts.Driver) {
	case "sqlite":
		dialector = sqlite.Open(opts.DSN)
	case "postgres":
		dialector = postgres.Open(opts.DSN)
	case "mysql":
		dialector = mysql.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("presets: unsupported database driver %q", opts.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("presets: open %s: %w", opts.Driver, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	var storeOpts []adapter.GormOption
	if opts.EntriesTable != "" || opts.LocksTable != "" {
		storeOpts = append(storeOpts, adapter.WithGormTableNames(opts.EntriesTable, opts.LocksTable))
	}
	store, err := adapter.NewGormStore(db, storeOpts...)
	if err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return newStack(store, sqlDB.Close, coreOpts), nil
}

// DynamoOptions configures a DynamoDB-backed store.
type DynamoOptions struct {
	Region string
	// Endpoint overrides the service endpoint, e.g. DynamoDB Local.
	Endpoint string
	Table    string
	// LockTable keeps locks apart from entries when set.
	LockTable      string
	ConsistentRead bool
}

// NewDynamo creates a Coordinator on DynamoDB using the default AWS
// credential chain.
func NewDynamo(ctx context.Context, opts DynamoOptions, coreOpts ...core.Option) (*Stack, error) {
	if opts.Region == "" {
		return nil, errors.New("presets: dynamodb region is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("presets: load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if ep := strings.TrimSpace(opts.Endpoint); ep != "" {
			if !strings.Contains(ep, "://") {
				ep = "https://" + ep
			}
			o.BaseEndpoint = aws.String(ep)
		}
	})
	storeOpts := []adapter.DynamoOption{adapter.WithConsistentRead(opts.ConsistentRead)}
	if opts.LockTable != "" {
		storeOpts = append(storeOpts, adapter.WithDynamoLockTable(opts.LockTable))
	}
	store, err := adapter.NewDynamoStore(client, opts.Table, storeOpts...)
	if err != nil {
		return nil, err
	}
	return newStack(store, nil, coreOpts), nil
}

// EtcdOptions configures an etcd-backed store.
type EtcdOptions struct {
	Endpoints   []string
	DialTimeout time.Duration
	Prefix      string
}

// NewEtcd creates a Coordinator on an etcd cluster.
func NewEtcd(opts EtcdOptions, coreOpts ...core.Option) (*Stack, error) {
	if len(opts.Endpoints) == 0 {
		return nil, errors.New("presets: etcd endpoints are required")
	}
	dial := opts.DialTimeout
	if dial <= 0 {
		dial = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{Endpoints: opts.Endpoints, DialTimeout: dial})
	if err != nil {
		return nil, fmt.Errorf("presets: etcd client: %w", err)
	}
	var storeOpts []adapter.EtcdOption
	if opts.Prefix != "" {
		storeOpts = append(storeOpts, adapter.WithEtcdPrefix(opts.Prefix))
	}
	return newStack(adapter.NewEtcdStore(client, storeOpts...), client.Close, coreOpts), nil
}
