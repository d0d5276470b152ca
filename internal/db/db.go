package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	_ "modernc.org/sqlite"
)

type SQL struct {
	DB     *sql.DB
	Driver string
}

type Options struct {
	Driver       string // mysql | sqlite
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	ConnMaxLife  time.Duration
	ConnMaxIdle  time.Duration
	PingTimeout  time.Duration
}

func Open(opt Options) (*SQL, error) {
	if opt.Driver == "" {
		opt.Driver = "mysql"
	}
	if opt.MaxOpenConns <= 0 {
		opt.MaxOpenConns = 50
	}
	if opt.MaxIdleConns <= 0 {
		opt.MaxIdleConns = 25
	}
	if opt.ConnMaxLife == 0 {
		opt.ConnMaxLife = 30 * time.Minute
	}
	if opt.ConnMaxIdle == 0 {
		opt.ConnMaxIdle = 5 * time.Minute
	}
	if opt.PingTimeout == 0 {
		opt.PingTimeout = 2 * time.Second
	}
	switch opt.Driver {
	case "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", opt.Driver)
	}

	db, err := sql.Open(opt.Driver, opt.DSN)
	if err != nil {
		return nil, err
	}
	if opt.Driver == "sqlite" {
		// one writer; also keeps ":memory:" databases on a single connection
		opt.MaxOpenConns, opt.MaxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(opt.MaxOpenConns)
	db.SetMaxIdleConns(opt.MaxIdleConns)
	db.SetConnMaxLifetime(opt.ConnMaxLife)
	db.SetConnMaxIdleTime(opt.ConnMaxIdle)

	ctx, cancel := context.WithTimeout(context.Background(), opt.PingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQL{DB: db, Driver: opt.Driver}, nil
}

func (m *SQL) Close() error {
	if m == nil || m.DB == nil {
		return nil
	}
	return m.DB.Close()
}

type RedisOptions struct {
	Addr     string
	Password string
	Database int
	Timeout  time.Duration
	PoolSize int
}

// NewRedis builds the shared client and checks it answers PING.
func NewRedis(ctx context.Context, opt RedisOptions) (*redis.Client, error) {
	if opt.Addr == "" {
		return nil, fmt.Errorf("redis: missing addr")
	}
	if opt.Timeout == 0 {
		opt.Timeout = 5 * time.Second
	}
	o := &redis.Options{
		Addr:         opt.Addr,
		Password:     opt.Password,
		DB:           opt.Database,
		DialTimeout:  opt.Timeout,
		ReadTimeout:  opt.Timeout,
		WriteTimeout: opt.Timeout,
	}
	if opt.PoolSize > 0 {
		o.PoolSize = opt.PoolSize
	}
	cli := redis.NewClient(o)
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, err
	}
	return cli, nil
}
