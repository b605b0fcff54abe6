package directory

import (
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chunkdrop/pkg/meta"
	"chunkdrop/pkg/storage"
	"chunkdrop/pkg/storage/cache"
	"chunkdrop/pkg/storage/disk"
	"chunkdrop/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupDirectory 构建基于临时目录的完整服务端环境
func setupDirectory(t *testing.T, opts ...Option) (*Directory, storage.Store, *meta.Repository) {
	t.Helper()
	root := t.TempDir()

	store, err := disk.NewAdapter(filepath.Join(root, "blobs"))
	require.NoError(t, err)

	db, err := meta.NewDB(context.Background(), meta.Config{
		Driver: "sqlite",
		Path:   filepath.Join(root, "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	repo := meta.NewRepository(db)
	return New(store, repo, opts...), store, repo
}

func putChunk(t *testing.T, d *Directory, batch types.BatchID, key string, idx int, body string) {
	t.Helper()
	err := d.PutChunk(context.Background(), batch, types.ObjectKey(key), types.ChunkIndex(idx), "text/plain", strings.NewReader(body))
	require.NoError(t, err)
}

func readObject(t *testing.T, d *Directory, key string) string {
	t.Helper()
	r, _, err := d.Open(context.Background(), types.ObjectKey(key))
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestDirectory_CommitAssemblesInIndexOrder(t *testing.T) {
	d, store, repo := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	// 分片倒序到达
	putChunk(t, d, batch, "/x/y.bin", 2, "ccc")
	putChunk(t, d, batch, "/x/y.bin", 0, "a")
	putChunk(t, d, batch, "/x/y.bin", 1, "bb")

	rec, err := d.Commit(ctx, batch, "/x/y.bin", "application/x-test")
	require.NoError(t, err)
	assert.Equal(t, types.ObjectKey("/x/y.bin"), rec.Key)
	assert.Equal(t, int64(6), rec.Size)
	assert.Equal(t, "application/x-test", rec.ContentType)
	assert.Equal(t, 3, rec.Chunks())
	assert.JSONEq(t, `[1,2,3]`, string(rec.ChunkSizes))

	assert.Equal(t, "abbccc", readObject(t, d, "/x/y.bin"))

	// 提交后分片被清理
	chunks, err := repo.ChunksOfBatch(ctx, batch)
	require.NoError(t, err)
	assert.Empty(t, chunks)
	has, err := store.Has(ctx, storage.ChunkBlobKey(batch, "/x/y.bin", 0))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDirectory_CommitRejectsGap(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	putChunk(t, d, batch, "/gap.bin", 0, "a")
	putChunk(t, d, batch, "/gap.bin", 1, "b")
	putChunk(t, d, batch, "/gap.bin", 3, "d")

	_, err = d.Commit(ctx, batch, "/gap.bin", "")
	assert.ErrorIs(t, err, ErrIncompleteChunks)

	_, err = d.Stat(ctx, "/gap.bin")
	assert.ErrorIs(t, err, ErrObjectNotFound, "失败的提交不能产生对象")

	// 补齐后可以提交
	putChunk(t, d, batch, "/gap.bin", 2, "c")
	_, err = d.Commit(ctx, batch, "/gap.bin", "")
	require.NoError(t, err)
	assert.Equal(t, "abcd", readObject(t, d, "/gap.bin"))
}

func TestDirectory_ZeroLengthObject(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	rec, err := d.Commit(ctx, batch, "/empty.txt", "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Size)
	assert.Equal(t, storage.DefaultContentType, rec.ContentType)
	assert.Zero(t, rec.Chunks())
	assert.Equal(t, "", readObject(t, d, "/empty.txt"))
}

func TestDirectory_CommitByBaseName(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	putChunk(t, d, batch, "/docs/report.pdf", 0, "pdf")

	rec, err := d.Commit(ctx, batch, "report.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, types.ObjectKey("/docs/report.pdf"), rec.Key)
	assert.Equal(t, "text/plain", rec.ContentType, "未指定类型时沿用分片的类型")

	t.Run("Ambiguous", func(t *testing.T) {
		putChunk(t, d, batch, "/a/dup.txt", 0, "1")
		putChunk(t, d, batch, "/b/dup.txt", 0, "2")
		_, err := d.Commit(ctx, batch, "dup.txt", "")
		assert.ErrorIs(t, err, ErrAmbiguousKey)
	})
}

func TestDirectory_CommitNestedKeys(t *testing.T) {
	orders := map[string][]string{
		"FileThenNested": {"a", "/a/b.txt"},
		"NestedThenFile": {"/a/b.txt", "a"},
	}
	for name, keys := range orders {
		t.Run(name, func(t *testing.T) {
			d, _, _ := setupDirectory(t)
			ctx := context.Background()

			batch, err := d.OpenBatch(ctx)
			require.NoError(t, err)
			for _, key := range keys {
				putChunk(t, d, batch, key, 0, "body of "+key)
				_, err := d.Commit(ctx, batch, types.ObjectKey(key), "")
				require.NoError(t, err, "commit %s", key)
			}

			assert.Equal(t, "body of a", readObject(t, d, "a"))
			assert.Equal(t, "body of /a/b.txt", readObject(t, d, "/a/b.txt"))
		})
	}
}

func TestDirectory_CommitTwice(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)
	putChunk(t, d, batch, "/x/y.bin", 0, "hel")
	putChunk(t, d, batch, "/x/y.bin", 1, "lo")

	first, err := d.Commit(ctx, batch, "/x/y.bin", "")
	require.NoError(t, err)

	// 重复提交 (客户端重试) 不能把对象替换成空内容
	again, err := d.Commit(ctx, batch, "/x/y.bin", "")
	require.NoError(t, err)
	assert.Equal(t, first.Size, again.Size)
	assert.Equal(t, "hello", readObject(t, d, "/x/y.bin"))

	// 按文件名重试也落在同一个对象上
	byBase, err := d.Commit(ctx, batch, "y.bin", "")
	require.NoError(t, err)
	assert.Equal(t, types.ObjectKey("/x/y.bin"), byBase.Key)
	assert.Equal(t, "hello", readObject(t, d, "/x/y.bin"))
	_, err = d.Stat(ctx, "y.bin")
	assert.ErrorIs(t, err, ErrObjectNotFound, "base name must not become an empty object")

	// 同一批次内补传分片后可以再次提交
	putChunk(t, d, batch, "/x/y.bin", 0, "bye")
	_, err = d.Commit(ctx, batch, "/x/y.bin", "")
	require.NoError(t, err)
	assert.Equal(t, "bye", readObject(t, d, "/x/y.bin"))
}

func TestDirectory_ConcurrentCommits(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)
	for i, part := range []string{"a", "b", "c", "d"} {
		putChunk(t, d, batch, "/same/key.bin", i, part)
	}

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Commit(ctx, batch, "/same/key.bin", "")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, "abcd", readObject(t, d, "/same/key.bin"))
}

func TestDirectory_CommitMissingChunkBlob(t *testing.T) {
	d, store, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)
	putChunk(t, d, batch, "/lost.bin", 0, "one")
	putChunk(t, d, batch, "/lost.bin", 1, "two")

	// 记录还在，但 blob 被外部删掉了
	require.NoError(t, store.Delete(ctx, storage.ChunkBlobKey(batch, "lost.bin", 1)))

	_, err = d.Commit(ctx, batch, "/lost.bin", "")
	assert.ErrorIs(t, err, ErrIncompleteChunks)
	_, err = d.Stat(ctx, "/lost.bin")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

// hasCountingStore 统计落到后端的 Has 调用
type hasCountingStore struct {
	storage.Store
	has atomic.Int32
}

func (s *hasCountingStore) Has(ctx context.Context, key string) (bool, error) {
	s.has.Add(1)
	return s.Store.Has(ctx, key)
}

func TestDirectory_CommitWithRedisCache(t *testing.T) {
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 500*time.Millisecond)
	if err != nil {
		t.Skipf("Skipping: Redis not running at %s", redisAddr)
	}
	conn.Close()

	_, backend, repo := setupDirectory(t)
	spy := &hasCountingStore{Store: backend}
	cached, err := cache.NewCachedStore(spy, cache.Config{
		RedisURL: "redis://" + redisAddr + "/0",
		TTL:      time.Minute,
	})
	require.NoError(t, err)
	defer cached.Close()

	d := New(cached, repo)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)
	key := "/" + t.Name() + "/f.bin"
	putChunk(t, d, batch, key, 0, "cac")
	putChunk(t, d, batch, key, 1, "hed")

	_, err = d.Commit(ctx, batch, types.ObjectKey(key), "")
	require.NoError(t, err)
	assert.Equal(t, "cached", readObject(t, d, key))
	assert.Equal(t, int32(0), spy.has.Load(), "chunk existence checks should be answered by redis")
}

func TestDirectory_CommitReplacesExisting(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	for _, body := range []string{"first version", "v2"} {
		batch, err := d.OpenBatch(ctx)
		require.NoError(t, err)
		putChunk(t, d, batch, "/f.txt", 0, body)
		_, err = d.Commit(ctx, batch, "/f.txt", "")
		require.NoError(t, err)
	}

	assert.Equal(t, "v2", readObject(t, d, "/f.txt"))
	objs, err := d.List(ctx, "/")
	require.NoError(t, err)
	assert.Len(t, objs, 1)
}

func TestDirectory_PutChunkValidation(t *testing.T) {
	d, _, _ := setupDirectory(t, WithMaxChunkSize(4))
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	tests := []struct {
		name  string
		batch types.BatchID
		key   string
		idx   int
		body  string
		want  error
	}{
		{"UnknownBatch", batch + 100, "/f", 0, "x", ErrBatchNotFound},
		{"NegativeIndex", batch, "/f", -1, "x", ErrInvalidIndex},
		{"EmptyKey", batch, "", 0, "x", ErrInvalidKey},
		{"DotDot", batch, "/a/../b", 0, "x", ErrInvalidKey},
		{"TooLarge", batch, "/f", 0, "12345", ErrChunkTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := d.PutChunk(ctx, tt.batch, types.ObjectKey(tt.key), types.ChunkIndex(tt.idx), "", strings.NewReader(tt.body))
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("ExactLimit", func(t *testing.T) {
		putChunk(t, d, batch, "/f", 0, "1234")
	})
}

func TestDirectory_ChunkOverwrite(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	putChunk(t, d, batch, "/o.txt", 0, "old")
	putChunk(t, d, batch, "/o.txt", 0, "new!")

	rec, err := d.Commit(ctx, batch, "/o.txt", "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rec.Size)
	assert.Equal(t, "new!", readObject(t, d, "/o.txt"))
}

func TestDirectory_Delete(t *testing.T) {
	d, store, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)
	putChunk(t, d, batch, "/del/me.txt", 0, "bye")
	_, err = d.Commit(ctx, batch, "/del/me.txt", "")
	require.NoError(t, err)

	require.NoError(t, d.Delete(ctx, "/del/me.txt"))

	_, err = d.Stat(ctx, "/del/me.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
	has, err := store.Has(ctx, storage.ObjectBlobKey("/del/me.txt"))
	require.NoError(t, err)
	assert.False(t, has)

	err = d.Delete(ctx, "/del/me.txt")
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestDirectory_List(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)
	for _, k := range []string{"/a/1.txt", "/a/2.txt", "/ab/3.txt", "/b/4.txt"} {
		_, err := d.Commit(ctx, batch, types.ObjectKey(k), "")
		require.NoError(t, err)
	}

	objs, err := d.List(ctx, "/a")
	require.NoError(t, err)
	keys := make([]types.ObjectKey, 0, len(objs))
	for _, o := range objs {
		keys = append(keys, o.Key)
	}
	assert.Equal(t, []types.ObjectKey{"/a/1.txt", "/a/2.txt"}, keys)
}

func TestDirectory_Reclaim(t *testing.T) {
	d, store, repo := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)
	putChunk(t, d, batch, "/tmp/abandoned.bin", 0, "zzz")

	// ttl 足够长时不回收
	n, err := d.Reclaim(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 负 ttl 让所有批次都过期
	n, err = d.Reclaim(ctx, -time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = repo.GetBatch(ctx, batch)
	assert.ErrorIs(t, err, ErrBatchNotFound)
	has, err := store.Has(ctx, storage.ChunkBlobKey(batch, "/tmp/abandoned.bin", 0))
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDirectory_ConcurrentChunks(t *testing.T) {
	d, _, _ := setupDirectory(t)
	ctx := context.Background()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	const n = 16
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := string(rune('a' + i))
			assert.NoError(t, d.PutChunk(ctx, batch, "/c.txt", types.ChunkIndex(i), "", strings.NewReader(body)))
		}(i)
	}
	wg.Wait()

	_, err = d.Commit(ctx, batch, "/c.txt", "")
	require.NoError(t, err)
	assert.Equal(t, "abcdefghijklmnop", readObject(t, d, "/c.txt"))
}

func TestDirectory_RunReclaimer(t *testing.T) {
	d, _, repo := setupDirectory(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batch, err := d.OpenBatch(ctx)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		d.RunReclaimer(ctx, 10*time.Millisecond, time.Nanosecond)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		_, err := repo.GetBatch(context.Background(), batch)
		return errors.Is(err, ErrBatchNotFound)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	// 关闭状态直接返回
	d.RunReclaimer(context.Background(), 0, time.Hour)
}
