// Package app wires configuration into the storage, caches, upstream clients
// and booking engine shared by the binaries.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/outpatient-exam-booking/internal/api"
	"github.com/hackgods/outpatient-exam-booking/internal/config"
	"github.com/hackgods/outpatient-exam-booking/internal/db"
	"github.com/hackgods/outpatient-exam-booking/internal/exam"
	"github.com/hackgods/outpatient-exam-booking/internal/his"
	"github.com/hackgods/outpatient-exam-booking/internal/insurance"
	redisclient "github.com/hackgods/outpatient-exam-booking/internal/redis"
	"github.com/hackgods/outpatient-exam-booking/internal/registry"
)

type App struct {
	Store exam.Store
	// Redis is nil when it was unreachable and not required.
	Redis     *redis.Client
	Templates *exam.TemplateCache
	Service   *exam.Service
	Health    []api.Pinger

	closers []func()
}

// OpenStore connects the configured storage driver only. Seed uses it
// without the upstream clients.
func OpenStore(ctx context.Context, cfg config.Config, log *zap.Logger) (exam.Store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cfg.StorageDriver {
	case config.StorageDriverMongo:
		client, err := db.ConnectMongo(connectCtx, cfg.MongoURI)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo connection: %w", err)
		}
		repo := exam.NewMongoRepository(client, cfg.MongoDatabase)
		if err := repo.EnsureIndexes(connectCtx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, nil, err
		}
		log.Info("connected to MongoDB", zap.String("database", cfg.MongoDatabase))
		return repo, func() { _ = client.Disconnect(context.Background()) }, nil

	default:
		pool, err := db.ConnectPostgres(connectCtx, cfg.PostgresDSN, db.PostgresOptions{
			MaxConns: int32(cfg.PostgresMaxConn),
			Timezone: cfg.Timezone,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("postgres connection: %w", err)
		}
		log.Info("connected to Postgres")
		return exam.NewPgRepository(pool), pool.Close, nil
	}
}

// connectRedis is fatal only when Redis holds the shared verification
// cache. Otherwise an unreachable Redis degrades to in-process sync locks and
// a nil client.
func connectRedis(ctx context.Context, cfg config.Config, log *zap.Logger) (*redis.Client, redisclient.Locker, api.Pinger, error) {
	required := cfg.CacheDriver == config.CacheDriverRedis

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		if required {
			return nil, nil, api.Pinger{}, fmt.Errorf("redis connection: %w", err)
		}
		log.Warn("redis unavailable, using in-process sync locks", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		return nil, redisclient.NewLocalLocker(), api.Pinger{
			Name:     "redis",
			Ping:     func(context.Context) error { return err },
			Optional: true,
		}, nil
	}

	log.Info("connected to Redis", zap.String("addr", cfg.RedisAddr))
	return rdb, redisclient.NewRedisLocker(rdb, cfg.LockTTL), api.Pinger{
		Name:     "redis",
		Ping:     func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		Optional: !required,
	}, nil
}

// Open builds the whole engine.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{}

	store, closeStore, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	a.Store = store
	a.closers = append(a.closers, closeStore)
	a.Health = append(a.Health, api.Pinger{Name: cfg.StorageDriver, Ping: store.Ping})

	rdb, locker, pinger, err := connectRedis(ctx, cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Health = append(a.Health, pinger)
	if rdb != nil {
		a.Redis = rdb
		a.closers = append(a.closers, func() {
			if err := rdb.Close(); err != nil {
				log.Warn("error closing redis", zap.Error(err))
			}
		})
	}

	var verifications insurance.Cache
	if cfg.CacheDriver == config.CacheDriverRedis {
		verifications = redisclient.NewCache[insurance.Profile](rdb, "exam-booking:")
	} else {
		memory := insurance.NewMemoryCache()
		a.closers = append(a.closers, memory.Close)
		verifications = memory
	}

	loc := cfg.Location()
	verifier := registry.NewClient(registry.Config{
		BaseURL:           cfg.Registry.BaseURL,
		Username:          cfg.Registry.Username,
		Password:          cfg.Registry.Password,
		Timeout:           cfg.Registry.Timeout,
		RetryBackoff:      cfg.Registry.RetryBackoff,
		NetworkRetries:    3,
		CacheTTL:          cfg.VerificationCacheTTL,
		TokenSafetyMargin: cfg.TokenSafetyMargin,
		Location:          loc,
	}, verifications, log)

	hisClient := his.NewClient(his.Config{
		BaseURL:           cfg.HIS.BaseURL,
		Username:          cfg.HIS.Username,
		Password:          cfg.HIS.Password,
		FacilityCode:      cfg.HIS.FacilityCode,
		Timeout:           cfg.HIS.Timeout,
		TokenSafetyMargin: cfg.TokenSafetyMargin,
		Location:          loc,
	}, verifications, log)

	a.Templates = exam.NewTemplateCache(store, cfg.TemplateCacheTTL)
	a.closers = append(a.closers, a.Templates.Close)
	allocator := exam.NewAllocator(store, a.Templates, log)

	a.Service = exam.NewService(store, allocator, a.Templates, hisClient, verifier, locker, exam.Options{
		LateWindow: cfg.CheckInLateWindow,
		Location:   loc,
		SyncGrace:  cfg.HIS.Timeout + 30*time.Second,
	}, log)

	return a, nil
}

// Close waits for trailing writes and releases connections in reverse order.
func (a *App) Close() {
	if a.Service != nil {
		a.Service.Wait()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
