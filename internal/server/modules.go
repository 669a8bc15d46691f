package server

import (
	"context"

	"go.uber.org/fx"

	"github.com/hsn0918/serptrack/internal/adapters"
	"github.com/hsn0918/serptrack/internal/bulk"
	"github.com/hsn0918/serptrack/internal/clients/googlecse"
	"github.com/hsn0918/serptrack/internal/clients/serpapi"
	"github.com/hsn0918/serptrack/internal/config"
	"github.com/hsn0918/serptrack/internal/logger"
	"github.com/hsn0918/serptrack/internal/pool"
	"github.com/hsn0918/serptrack/internal/redis"
	"github.com/hsn0918/serptrack/internal/scheduler"
	"github.com/hsn0918/serptrack/internal/storage"
)

// Modules 组装整个应用的依赖图。
func Modules(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		// 基础设施模块
		InfrastructureModule,
		// 服务模块
		ServicesModule,
		// HTTP服务器模块
		HTTPServerModule,
		// 启动器
		fx.Invoke(registerLifecycle),
	)
}

// InfrastructureModule 基础设施模块 - 数据库、缓存、对象存储
var InfrastructureModule = fx.Module("infrastructure",
	fx.Provide(
		newPostgresStore,
		newRankingStore,
		newUsageCache,
		newRawArchive,
	),
)

// ServicesModule 服务模块 - 上游客户端、凭证池、批量执行器、调度器
var ServicesModule = fx.Module("services",
	fx.Provide(
		newSearchClients,
		newPoolManager,
		newExecutor,
		newScheduler,
	),
)

// HTTPServerModule HTTP服务器模块
var HTTPServerModule = fx.Module("http_server",
	fx.Provide(
		NewHandler,
		New,
	),
)

func newPostgresStore(lc fx.Lifecycle, cfg config.Config) (*adapters.PostgresStore, error) {
	store, err := adapters.NewPostgresStore(context.Background(), cfg.DSN())
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			store.Close()
			return nil
		},
	})
	return store, nil
}

func newRankingStore(store *adapters.PostgresStore) RankingStore {
	return store
}

// newUsageCache 按配置可选接入 Redis，未启用时返回 nil（池内自动忽略）。
func newUsageCache(cfg config.Config) (pool.UsageCache, error) {
	if !cfg.Redis.Enabled {
		return nil, nil
	}
	client, err := redis.NewClient(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}
	return redis.NewUsageCache(client), nil
}

// newRawArchive 按配置可选接入 MinIO 原始响应归档。
func newRawArchive(cfg config.Config) (pool.Archiver, error) {
	if !cfg.MinIO.Enabled || !cfg.MinIO.ArchiveRaw {
		return nil, nil
	}
	return storage.NewRawArchive(
		context.Background(),
		cfg.MinIO.Endpoint,
		cfg.MinIO.AccessKeyID,
		cfg.MinIO.SecretAccessKey,
		cfg.MinIO.BucketName,
		cfg.MinIO.UseSSL,
	)
}

func newSearchClients(cfg config.Config) []pool.SearchClient {
	return []pool.SearchClient{
		serpapi.NewClient(cfg.SerpAPI.BaseURL, cfg.Pool.RequestTimeout()),
		googlecse.NewClient(cfg.CustomSearch.BaseURL, cfg.Pool.RequestTimeout()),
	}
}

func newPoolManager(cfg config.Config, clients []pool.SearchClient, store *adapters.PostgresStore, cache pool.UsageCache, archive pool.Archiver) *pool.Manager {
	return pool.NewManager(cfg.Pool, clients, store, cache, archive)
}

func newExecutor(cfg config.Config, manager *pool.Manager) *bulk.Executor {
	return bulk.NewExecutor(cfg.Bulk, manager)
}

func newScheduler(manager *pool.Manager, store *adapters.PostgresStore, cfg config.Config) *scheduler.Scheduler {
	return scheduler.New(manager, store, cfg.Cleanup.RetentionDays)
}

// registerLifecycle 注册启动与退出钩子：凭证装载、调度器与 HTTP 服务。
func registerLifecycle(lc fx.Lifecycle, cfg config.Config, manager *pool.Manager, sched *scheduler.Scheduler, srv *Server) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := manager.Init(ctx, cfg.SerpAPIEntries(), cfg.CustomSearchEntries()); err != nil {
				return err
			}
			sched.Start()
			srv.Start()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Shutdown(ctx); err != nil {
				logger.Get().Warn("http shutdown error", "error", err)
			}
			sched.Stop()
			return logger.Sync()
		},
	})
}
