package cache

import (
	"context"
	"fmt"
	"io"
	"time"

	"chunkdrop/pkg/storage"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CachedStore 是一个装饰器，它为底层的 storage.Store 添加 Redis 存在性缓存
// 只缓存 "key 是否存在"，不缓存 blob 数据
type CachedStore struct {
	backend storage.Store // 被装饰的底层存储 (如 S3)
	client  *redis.Client // Redis 客户端
	ttl     time.Duration // 缓存过期时间 (例如 24h)
}

type Config struct {
	RedisURL string        // 标准连接字符串: redis://<user>:<password>@<host>:<port>/<db>
	TTL      time.Duration // 过期时间
}

// NewCachedStore 连接 Redis 并包装 backend
func NewCachedStore(backend storage.Store, cfg Config) (*CachedStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}

	client := redis.NewClient(opts)

	// Fail-fast 连接检查
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &CachedStore{
		backend: backend,
		client:  client,
		ttl:     cfg.TTL,
	}, nil
}

// cacheKey 生成 Redis Key，添加前缀防止冲突
func (s *CachedStore) cacheKey(key string) string {
	return "cdrop:blob:" + key
}

// Has 优先查 Redis
func (s *CachedStore) Has(ctx context.Context, key string) (bool, error) {
	ck := s.cacheKey(key)

	val, err := s.client.Exists(ctx, ck).Result()
	if err != nil {
		// 缓存故障降级：Redis 挂了就直接查底层存储
		log.Warn().Err(err).Msg("redis exists failed, falling back to backend")
	} else if val > 0 {
		return true, nil
	}

	found, err := s.backend.Has(ctx, key)
	if err != nil {
		return false, err
	}

	// 缓存回填，异步进行，不阻塞主流程
	if found {
		go func() {
			fillCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.client.Set(fillCtx, ck, "1", s.ttl)
		}()
	}

	return found, nil
}

// Put 写穿 (Write-Through)：底层成功后再写缓存
func (s *CachedStore) Put(ctx context.Context, key string, r io.Reader, attrs storage.Attrs) error {
	if err := s.backend.Put(ctx, key, r, attrs); err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.cacheKey(key), "1", s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
	return nil
}

// Delete 先删缓存再删底层，避免残留 "存在" 的脏缓存
func (s *CachedStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.cacheKey(key)).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis del failed")
	}
	return s.backend.Delete(ctx, key)
}

// Get 透传
func (s *CachedStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.backend.Get(ctx, key)
}

// Stat 透传
func (s *CachedStore) Stat(ctx context.Context, key string) (storage.Attrs, error) {
	return s.backend.Stat(ctx, key)
}

// Close 关闭 Redis 连接
func (s *CachedStore) Close() error {
	return s.client.Close()
}
