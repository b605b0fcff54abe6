// Package app 组装服务端依赖 (存储、元数据库、对象目录)
package app

import (
	"context"
	"errors"
	"fmt"

	"chunkdrop/pkg/config"
	"chunkdrop/pkg/directory"
	"chunkdrop/pkg/meta"
	"chunkdrop/pkg/storage"
	"chunkdrop/pkg/storage/cache"
	"chunkdrop/pkg/storage/disk"
	"chunkdrop/pkg/storage/s3"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// App 是服务端的依赖容器 (Dependency Container)
// 它持有所有"单例"服务
type App struct {
	Store     storage.Store
	DB        *meta.DB
	Repo      *meta.Repository
	Directory *directory.Directory

	closers []func() error
}

// NewApp 按 Viper 配置组装服务端，它不知道具体的命令行入口
func NewApp(ctx context.Context) (*App, error) {
	a := &App{}

	// 1. 存储层
	store, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if c, ok := store.(*cache.CachedStore); ok {
		a.closers = append(a.closers, c.Close)
	}
	a.Store = store

	// 2. 元数据库
	db, err := meta.NewDB(ctx, dbConfig())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to init metadata db: %w", err)
	}
	a.closers = append(a.closers, db.Close)
	a.DB = db
	a.Repo = meta.NewRepository(db)

	// 3. 对象目录
	maxChunk, err := config.MaxChunkSize()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Directory = directory.New(store, a.Repo, directory.WithMaxChunkSize(maxChunk))

	return a, nil
}

// Close 按创建的逆序释放资源
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

// initStore 根据 storage.type 选择后端，配置了 Redis 时再包一层缓存
func initStore(ctx context.Context) (storage.Store, error) {
	var (
		backend storage.Store
		err     error
	)

	storeType := viper.GetString("storage.type")
	switch storeType {
	case "disk", "":
		path := viper.GetString("storage.path")
		if path == "" {
			return nil, fmt.Errorf("storage.path not set")
		}
		backend, err = disk.NewAdapter(path)
	case "s3":
		backend, err = s3.NewAdapter(ctx, s3.Config{
			Endpoint:        viper.GetString("storage.s3.endpoint"),
			Region:          viper.GetString("storage.s3.region"),
			Bucket:          viper.GetString("storage.s3.bucket"),
			Prefix:          viper.GetString("storage.s3.prefix"),
			AccessKeyID:     viper.GetString("storage.s3.access_key"),
			SecretAccessKey: viper.GetString("storage.s3.secret_key"),
		})
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storeType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to init %s storage: %w", storeType, err)
	}

	redisURL := viper.GetString("cache.redis_url")
	if redisURL == "" {
		return backend, nil
	}
	cached, err := cache.NewCachedStore(backend, cache.Config{
		RedisURL: redisURL,
		TTL:      viper.GetDuration("cache.ttl"),
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("backend", storeType).Msg("redis existence cache enabled")
	return cached, nil
}

func dbConfig() meta.Config {
	return meta.Config{
		Driver:   viper.GetString("database.driver"),
		Path:     viper.GetString("database.path"),
		Host:     viper.GetString("database.host"),
		Port:     viper.GetInt("database.port"),
		User:     viper.GetString("database.user"),
		Password: viper.GetString("database.password"),
		DBName:   viper.GetString("database.dbname"),
		SSLMode:  viper.GetString("database.sslmode"),
		Debug:    viper.GetBool("database.debug"),
	}
}
