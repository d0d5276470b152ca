package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lzyats/im-relay/internal/api"
	"github.com/lzyats/im-relay/internal/auth"
	"github.com/lzyats/im-relay/internal/config"
	"github.com/lzyats/im-relay/internal/db"
	"github.com/lzyats/im-relay/internal/history"
	"github.com/lzyats/im-relay/internal/hub"
	"github.com/lzyats/im-relay/internal/ids"
	"github.com/lzyats/im-relay/internal/keydir"
	"github.com/lzyats/im-relay/internal/metrics"
	"github.com/lzyats/im-relay/internal/pending"
	"github.com/lzyats/im-relay/internal/presence"
	"github.com/lzyats/im-relay/internal/relay"
)

var (
	// Version is injected via -ldflags "-X main.Version=..."
	Version = "dev"
)

func main() {
	var cfgPaths string
	flag.StringVar(&cfgPaths, "c", "./config.yml", "config file path (supports: a.yml,b.yml)")
	flag.Parse()

	log, _ := zap.NewProduction()
	defer log.Sync()

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		log.Fatal("load config failed", zap.Error(err))
	}
	log.Info("im-relay starting",
		zap.String("version", Version),
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("pending", cfg.Pending.Backend),
		zap.String("keydir", cfg.KeyDir.Backend),
		zap.String("history", cfg.History.Backend))

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	idgen, err := ids.New(cfg.IDs.MachineID)
	if err != nil {
		log.Fatal("id generator init failed", zap.Error(err))
	}

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rctx, cancel := context.WithTimeout(ctx, cfg.Redis.Timeout)
		rdb, err = db.NewRedis(rctx, db.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.Database,
			Timeout:  cfg.Redis.Timeout,
			PoolSize: cfg.Redis.PoolSize,
		})
		cancel()
		if err != nil {
			log.Fatal("redis init failed", zap.Error(err))
		}
		defer rdb.Close()
	}

	backend, err := openPending(cfg, rdb, log)
	if err != nil {
		log.Fatal("pending store init failed", zap.Error(err))
	}
	defer backend.Close()

	var keys keydir.Directory = keydir.NewMemory()
	if cfg.KeyDir.Backend == "redis" {
		keys = keydir.NewRedis(rdb, cfg.KeyDir.Prefix)
		if cfg.KeyDir.CacheTTL > 0 {
			keys = keydir.NewCached(keys, cfg.KeyDir.CacheTTL)
		}
	}

	hist, closeHist, err := openHistory(ctx, cfg, idgen)
	if err != nil {
		log.Fatal("history init failed", zap.Error(err))
	}
	defer closeHist()

	var authn auth.Authenticator = auth.PathIdentity{}
	if cfg.Auth.Enabled {
		authn = &auth.TokenAuthenticator{
			Secret:      cfg.Auth.Token.Secret,
			RedisPrefix: cfg.Auth.Token.RedisPrefix,
			Sessions:    rdb,
		}
	}

	rl := relay.New(hub.New(), presence.NewGraph(),
		pending.NewRequestStore(backend, idgen),
		pending.NewMessageStore(backend, idgen),
		hist, log, relay.Options{
			OutBuffer:       cfg.Relay.OutBuffer,
			WriteTimeout:    cfg.Relay.WriteTimeout,
			ForwardTimeout:  cfg.Relay.ForwardTimeout,
			PresenceTimeout: cfg.Relay.PresenceTimeout,
			StoreTimeout:    cfg.Timeout,
		})

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: api.New(rl, keys, authn, log, api.Options{
			CORSOrigins:         cfg.HTTP.CORSOrigins,
			MaxFrameBytes:       cfg.Relay.MaxFrameBytes,
			Timeout:             cfg.Timeout,
			AuthEnabled:         cfg.Auth.Enabled,
			TokenHeader:         cfg.Auth.Token.Header,
			BearerPrefix:        cfg.Auth.Token.BearerPrefix,
			QueryKey:            cfg.Auth.Token.QueryKey,
			HistoryDefaultLimit: cfg.History.DefaultLimit,
			HistoryMaxLimit:     cfg.History.MaxLimit,
		}).Handler(),
		ReadHeaderTimeout: 2 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("im-relay shutting down", zap.Int("online", rl.Online()))
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// hijacked websocket connections are not tracked by the http server
		err := srv.Shutdown(sctx)
		if rerr := rl.Shutdown(sctx); rerr != nil {
			log.Warn("relay shutdown incomplete", zap.Error(rerr))
		}
		return err
	})
	if err := g.Wait(); err != nil {
		log.Error("server error", zap.Error(err))
	}
}

func openPending(cfg *config.Config, rdb *redis.Client, log *zap.Logger) (pending.Backend, error) {
	opts := pending.Options{MaxKeep: max(cfg.Pending.MaxKeep, 0), Log: log}
	switch cfg.Pending.Backend {
	case "redis":
		return pending.NewRedisBackend(rdb, opts, cfg.Pending.TTL), nil
	case "bolt":
		return pending.OpenBolt(cfg.Pending.Path, opts)
	default:
		return pending.NewMemoryBackend(opts), nil
	}
}

func openHistory(ctx context.Context, cfg *config.Config, idgen *ids.Generator) (history.Store, func(), error) {
	switch cfg.History.Backend {
	case "sql":
		m, err := db.Open(db.Options{
			Driver:       cfg.History.Driver,
			DSN:          cfg.History.DSN,
			MaxOpenConns: cfg.History.MaxOpenConns,
			MaxIdleConns: cfg.History.MaxIdleConns,
			ConnMaxLife:  cfg.History.ConnMaxLife,
			ConnMaxIdle:  cfg.History.ConnMaxIdle,
		})
		if err != nil {
			return nil, nil, err
		}
		st := history.NewSQLStore(m.DB, m.Driver, idgen)
		if cfg.History.Migrate {
			mctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
			err := st.Migrate(mctx)
			cancel()
			if err != nil {
				_ = m.Close()
				return nil, nil, err
			}
		}
		return history.NewGuarded(st, breakerOptions(cfg)), func() { _ = m.Close() }, nil
	case "rocketmq":
		p, err := history.NewMQPublisher(history.MQSettings{
			NameServer: cfg.RocketMQ.NameServer,
			Topic:      cfg.RocketMQ.Topic,
			Tag:        cfg.RocketMQ.Tag,
			Group:      cfg.RocketMQ.ProducerGroup,
			AccessKey:  cfg.RocketMQ.AccessKey,
			SecretKey:  cfg.RocketMQ.SecretKey,
		}, idgen)
		if err != nil {
			return nil, nil, err
		}
		return history.NewGuarded(p, breakerOptions(cfg)), func() { _ = p.Close() }, nil
	default:
		return history.Nop{}, func() {}, nil
	}
}

func breakerOptions(cfg *config.Config) history.BreakerOptions {
	return history.BreakerOptions{
		Threshold: cfg.History.Breaker.Threshold,
		Window:    cfg.History.Breaker.Window,
		OpenFor:   cfg.History.Breaker.OpenFor,
	}
}
