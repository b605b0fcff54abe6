// Package directory 实现了服务端的对象目录 (Object Directory)：
// 分配批次、按 (batch, key, index) 接收分片、提交时组装对象、按 key 删除。
package directory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"strings"
	"sync"
	"time"

	"chunkdrop/pkg/keypath"
	"chunkdrop/pkg/meta"
	"chunkdrop/pkg/storage"
	"chunkdrop/pkg/types"

	"github.com/rs/zerolog/log"
)

var (
	ErrBatchNotFound    = meta.ErrBatchNotFound
	ErrObjectNotFound   = meta.ErrObjectNotFound
	ErrInvalidKey       = keypath.ErrInvalidKey
	ErrInvalidIndex     = errors.New("invalid chunk index")
	ErrChunkTooLarge    = errors.New("chunk exceeds size limit")
	ErrIncompleteChunks = errors.New("chunk indices are not contiguous from zero")
	ErrAmbiguousKey     = errors.New("base name matches more than one pending object")
)

// DefaultMaxChunkSize 是服务端接受的单个分片上限
// 比客户端固定的 2 MiB 宽松，给其它客户端留余地
const DefaultMaxChunkSize = 8 * 1024 * 1024

const commitStripes = 64

// Directory 是对象目录的领域服务，HTTP 层只做协议转换
type Directory struct {
	store        storage.Store
	repo         *meta.Repository
	maxChunkSize int64

	// 同一个对象的提交需要串行，不同对象之间互不影响
	commitLocks [commitStripes]sync.Mutex
}

type Option func(*Directory)

// WithMaxChunkSize 设置单个分片的大小上限
func WithMaxChunkSize(n int64) Option {
	return func(d *Directory) {
		if n > 0 {
			d.maxChunkSize = n
		}
	}
}

func New(store storage.Store, repo *meta.Repository, opts ...Option) *Directory {
	d := &Directory{
		store:        store,
		repo:         repo,
		maxChunkSize: DefaultMaxChunkSize,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MaxChunkSize 返回当前的分片上限
func (d *Directory) MaxChunkSize() int64 { return d.maxChunkSize }

func (d *Directory) lockFor(key types.ObjectKey) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &d.commitLocks[h.Sum32()%commitStripes]
}

// =============================================================================
// 1. OpenBatch
// =============================================================================

// OpenBatch 分配一个新的批次
func (d *Directory) OpenBatch(ctx context.Context) (types.BatchID, error) {
	batch, err := d.repo.CreateBatch(ctx)
	if err != nil {
		return 0, err
	}
	log.Info().Stringer("batch", batch.ID).Msg("batch opened")
	return batch.ID, nil
}

// =============================================================================
// 2. PutChunk
// =============================================================================

// PutChunk 保存一个分片。分片可以以任意顺序到达，只按 index 寻址；
// 同一 index 重复写入会覆盖之前的内容。
func (d *Directory) PutChunk(ctx context.Context, batch types.BatchID, key types.ObjectKey, index types.ChunkIndex, contentType string, r io.Reader) error {
	canon, err := keypath.Canonical(string(key))
	if err != nil {
		return err
	}
	if index < 0 {
		return ErrInvalidIndex
	}
	if _, err := d.repo.GetBatch(ctx, batch); err != nil {
		return err
	}

	// 分片有上限，整体读入内存，拿到准确大小 (S3 需要 Content-Length)
	data, err := io.ReadAll(io.LimitReader(r, d.maxChunkSize+1))
	if err != nil {
		return fmt.Errorf("failed to read chunk body: %w", err)
	}
	if int64(len(data)) > d.maxChunkSize {
		return ErrChunkTooLarge
	}

	blobKey := storage.ChunkBlobKey(batch, canon, index)
	attrs := storage.Attrs{ContentType: contentType, Size: int64(len(data))}
	if err := d.store.Put(ctx, blobKey, bytes.NewReader(data), attrs); err != nil {
		return fmt.Errorf("failed to store chunk %d of %s: %w", index, canon, err)
	}

	err = d.repo.SaveChunk(ctx, &meta.ChunkRecord{
		BatchID:     batch,
		ObjectKey:   canon,
		Idx:         index,
		Size:        int64(len(data)),
		ContentType: contentType,
		BlobKey:     blobKey,
	})
	if err != nil {
		return err
	}

	log.Debug().Stringer("batch", batch).Str("key", canon.String()).Int("index", int(index)).
		Int("size", len(data)).Msg("chunk stored")
	return nil
}

// =============================================================================
// 3. Commit
// =============================================================================

// Commit 把 (batch, key) 下的分片 0..N-1 按序拼接成最终对象，替换同名旧对象。
// 没有任何分片时生成空对象；index 不连续时拒绝提交。
// 同一 (batch, key) 重复提交不做任何修改，直接返回当前的对象记录。
func (d *Directory) Commit(ctx context.Context, batch types.BatchID, key types.ObjectKey, contentType string) (*meta.ObjectRecord, error) {
	canon, err := keypath.Canonical(string(key))
	if err != nil {
		return nil, err
	}
	if _, err := d.repo.GetBatch(ctx, batch); err != nil {
		return nil, err
	}

	target, err := d.resolve(ctx, batch, canon)
	if err != nil {
		return nil, err
	}

	// 分片列表必须在锁内读取，否则并发提交会拿到同一份即将被清理的分片
	mu := d.lockFor(target)
	mu.Lock()
	defer mu.Unlock()

	chunks, err := d.repo.ListChunks(ctx, batch, target)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		done, err := d.repo.IsCommitted(ctx, batch, target)
		if err != nil {
			return nil, err
		}
		if done {
			log.Info().Stringer("batch", batch).Str("key", target.String()).Msg("object already committed in batch")
			return d.repo.GetObject(ctx, target)
		}
	}

	// 1. 连续性校验: index 必须恰好是 0..N-1，且每个分片的 blob 都在
	sizes := make([]int64, len(chunks))
	for i, c := range chunks {
		if int(c.Idx) != i {
			return nil, fmt.Errorf("%w: %s expected index %d, found %d", ErrIncompleteChunks, target, i, c.Idx)
		}
		sizes[i] = c.Size
	}
	if err := d.checkBlobs(ctx, target, chunks); err != nil {
		return nil, err
	}

	if contentType == "" && len(chunks) > 0 {
		contentType = chunks[0].ContentType
	}
	if contentType == "" {
		contentType = storage.DefaultContentType
	}

	// 2. 组装并写入最终对象
	if err := d.assemble(ctx, target, chunks, sizes, contentType); err != nil {
		return nil, err
	}

	// 3. 记录对象，同时清掉分片记录
	rec, err := d.repo.SaveObject(ctx, target, batch, contentType, sizes)
	if err != nil {
		return nil, err
	}

	// 4. 清理分片 blob (失败不影响提交结果)
	for _, c := range chunks {
		if err := d.store.Delete(ctx, c.BlobKey); err != nil {
			log.Warn().Err(err).Str("blob", c.BlobKey).Msg("failed to delete committed chunk")
		}
	}

	log.Info().Stringer("batch", batch).Str("key", target.String()).Int("chunks", len(chunks)).
		Int64("size", rec.Size).Msg("object committed")
	return rec, nil
}

// resolve 确定提交的目标 key
// 带 "/" 的 key 原样使用；裸文件名先精确匹配，
// 再在批次的待提交对象、已提交对象中依次按文件名查找唯一匹配
func (d *Directory) resolve(ctx context.Context, batch types.BatchID, key types.ObjectKey) (types.ObjectKey, error) {
	if strings.Contains(string(key), "/") {
		return key, nil
	}

	lookups := []func(context.Context, types.BatchID) ([]types.ObjectKey, error){
		d.repo.PendingKeys,
		d.repo.CommittedKeys,
	}
	for _, lookup := range lookups {
		keys, err := lookup(ctx, batch)
		if err != nil {
			return "", err
		}
		var matches []types.ObjectKey
		for _, k := range keys {
			if k == key {
				return key, nil
			}
			if k.Base() == string(key) {
				matches = append(matches, k)
			}
		}
		switch len(matches) {
		case 0:
		case 1:
			return matches[0], nil
		default:
			return "", fmt.Errorf("%w: %s", ErrAmbiguousKey, key)
		}
	}

	// 零分片对象
	return key, nil
}

// checkBlobs 在开始拼接前确认所有分片 blob 都存在
// 存储挂了 Redis 缓存时，这里的查询大多不会落到后端
func (d *Directory) checkBlobs(ctx context.Context, key types.ObjectKey, chunks []meta.ChunkRecord) error {
	for _, c := range chunks {
		ok, err := d.store.Has(ctx, c.BlobKey)
		if err != nil {
			return fmt.Errorf("failed to check chunk %d of %s: %w", c.Idx, key, err)
		}
		if !ok {
			return fmt.Errorf("%w: %s chunk %d is missing from storage", ErrIncompleteChunks, key, c.Idx)
		}
	}
	return nil
}

// assemble 通过 io.Pipe 流式拼接分片，不在内存里缓存整个对象
func (d *Directory) assemble(ctx context.Context, key types.ObjectKey, chunks []meta.ChunkRecord, sizes []int64, contentType string) error {
	var total int64
	for _, s := range sizes {
		total += s
	}

	pr, pw := io.Pipe()
	go func() {
		for _, c := range chunks {
			if err := copyBlob(ctx, d.store, pw, c.BlobKey); err != nil {
				pw.CloseWithError(fmt.Errorf("chunk %d: %w", c.Idx, err))
				return
			}
		}
		pw.Close()
	}()

	err := d.store.Put(ctx, storage.ObjectBlobKey(key), pr, storage.Attrs{ContentType: contentType, Size: total})
	// 无论成功与否都关闭读端，让写 goroutine 退出
	pr.Close()
	if err != nil {
		return fmt.Errorf("failed to assemble %s: %w", key, err)
	}
	return nil
}

func copyBlob(ctx context.Context, store storage.Store, w io.Writer, blobKey string) error {
	r, err := store.Get(ctx, blobKey)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}

// =============================================================================
// 4. Delete / Stat / Open / List
// =============================================================================

// Delete 按 key 删除已提交的对象
func (d *Directory) Delete(ctx context.Context, key types.ObjectKey) error {
	canon, err := keypath.Canonical(string(key))
	if err != nil {
		return err
	}

	mu := d.lockFor(canon)
	mu.Lock()
	defer mu.Unlock()

	if _, err := d.repo.GetObject(ctx, canon); err != nil {
		return err
	}
	if err := d.store.Delete(ctx, storage.ObjectBlobKey(canon)); err != nil {
		return fmt.Errorf("failed to delete blob for %s: %w", canon, err)
	}
	if err := d.repo.DeleteObject(ctx, canon); err != nil {
		return err
	}

	log.Info().Str("key", canon.String()).Msg("object deleted")
	return nil
}

// Stat 返回对象记录
func (d *Directory) Stat(ctx context.Context, key types.ObjectKey) (*meta.ObjectRecord, error) {
	canon, err := keypath.Canonical(string(key))
	if err != nil {
		return nil, err
	}
	return d.repo.GetObject(ctx, canon)
}

// Open 返回对象内容，调用方负责 Close
func (d *Directory) Open(ctx context.Context, key types.ObjectKey) (io.ReadCloser, *meta.ObjectRecord, error) {
	rec, err := d.Stat(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	r, err := d.store.Get(ctx, storage.ObjectBlobKey(rec.Key))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w: blob missing for %s", ErrObjectNotFound, rec.Key)
	}
	if err != nil {
		return nil, nil, err
	}
	return r, rec, nil
}

// List 列出前缀下的已提交对象
func (d *Directory) List(ctx context.Context, prefix string) ([]meta.ObjectRecord, error) {
	return d.repo.ListObjects(ctx, prefix)
}

// =============================================================================
// 5. Reclaim
// =============================================================================

// Reclaim 回收超过 ttl 没有活动的批次以及它们残留的分片
// 进程中断留下的半截批次靠它清理
func (d *Directory) Reclaim(ctx context.Context, ttl time.Duration) (int, error) {
	stale, err := d.repo.StaleBatches(ctx, time.Now().Add(-ttl))
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, b := range stale {
		chunks, err := d.repo.ChunksOfBatch(ctx, b.ID)
		if err != nil {
			return reclaimed, err
		}
		for _, c := range chunks {
			if err := d.store.Delete(ctx, c.BlobKey); err != nil {
				return reclaimed, fmt.Errorf("failed to delete blob %s: %w", c.BlobKey, err)
			}
		}
		if err := d.repo.DeleteBatch(ctx, b.ID); err != nil {
			return reclaimed, err
		}
		reclaimed++
		log.Info().Stringer("batch", b.ID).Int("chunks", len(chunks)).Msg("stale batch reclaimed")
	}
	return reclaimed, nil
}

// RunReclaimer 按 interval 周期性回收，直到 ctx 结束
// interval 或 ttl 不为正时不启动
func (d *Directory) RunReclaimer(ctx context.Context, interval, ttl time.Duration) {
	if interval <= 0 || ttl <= 0 {
		log.Info().Msg("batch reclaimer disabled")
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Reclaim(ctx, ttl); err != nil {
				log.Error().Err(err).Msg("batch reclaim failed")
			}
		}
	}
}
