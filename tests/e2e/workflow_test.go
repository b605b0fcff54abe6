package e2e

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"chunkdrop/pkg/chunker"
	"chunkdrop/pkg/client"
	"chunkdrop/pkg/directory"
	"chunkdrop/pkg/meta"
	"chunkdrop/pkg/server"
	"chunkdrop/pkg/session"
	"chunkdrop/pkg/storage"
	"chunkdrop/pkg/storage/cache"
	"chunkdrop/pkg/storage/disk"
	"chunkdrop/pkg/types"
	"chunkdrop/pkg/uploader"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MetricStore 包装真正的 Store，统计写入次数
type MetricStore struct {
	storage.Store
	putCount atomic.Int32
}

func (m *MetricStore) Put(ctx context.Context, key string, r io.Reader, attrs storage.Attrs) error {
	m.putCount.Add(1)
	return m.Store.Put(ctx, key, r, attrs)
}

// flakyTransport 让指定 key 的分片 PUT 在网络层失败
type flakyTransport struct {
	base     http.RoundTripper
	failPath string
}

func (f *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method == http.MethodPut && strings.Contains(req.URL.Path, f.failPath) {
		return nil, errors.New("simulated connection reset")
	}
	return f.base.RoundTrip(req)
}

type env struct {
	srv   *httptest.Server
	store *MetricStore
	api   *client.Client
}

func setupEnv(t *testing.T, backend storage.Store) *env {
	t.Helper()
	root := t.TempDir()

	if backend == nil {
		local, err := disk.NewAdapter(filepath.Join(root, "blobs"))
		require.NoError(t, err)
		backend = local
	}
	store := &MetricStore{Store: backend}

	db, err := meta.NewDB(context.Background(), meta.Config{Driver: "sqlite", Path: filepath.Join(root, "meta.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	srv := httptest.NewServer(server.New(directory.New(store, meta.NewRepository(db))).Routes())
	t.Cleanup(srv.Close)

	api, err := client.New(srv.URL)
	require.NoError(t, err)
	return &env{srv: srv, store: store, api: api}
}

func download(t *testing.T, api *client.Client, key types.ObjectKey) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := api.Download(context.Background(), key, &buf)
	require.NoError(t, err)
	return buf.Bytes()
}

// TestWorkflow_LargeFiles 验证完整链路:
// 切分 -> 并发上传分片 -> 提交组装 -> 下载校验
func TestWorkflow_LargeFiles(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()

	big := make([]byte, 5*1024*1024+123)
	_, err := rand.Read(big)
	require.NoError(t, err)

	up := uploader.New(e.api, uploader.WithConcurrency(2))
	report, err := up.Upload(ctx, "models/v1", []uploader.File{
		uploader.BytesFile("weights.bin", "", big),
		uploader.BytesFile("empty.txt", "text/plain", nil),
	})
	require.NoError(t, err)
	require.NoError(t, report.Err())

	assert.Equal(t, chunker.Count(len(big), chunker.MaxChunkSize), report.Jobs[0].Chunks)
	assert.Equal(t, 3, report.Jobs[0].Chunks)
	assert.Equal(t, 0, report.Jobs[1].Chunks)

	assert.Equal(t, big, download(t, e.api, "/models/v1/weights.bin"))
	assert.Empty(t, download(t, e.api, "/models/v1/empty.txt"))

	objs, err := e.api.List(ctx, "/models")
	require.NoError(t, err)
	require.Len(t, objs, 2)
	assert.Equal(t, []int64{chunker.MaxChunkSize, chunker.MaxChunkSize, 1024*1024 + 123}, objs[1].ChunkSizes)

	// 3 个分片 + 组装后的对象 + 空对象
	assert.Equal(t, int32(5), e.store.putCount.Load())
}

// TestWorkflow_ReverseArrival 分片倒序到达，组装结果仍按 index 排列
func TestWorkflow_ReverseArrival(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()

	sess := session.New(e.api)
	_, err := sess.Open(ctx)
	require.NoError(t, err)

	job, err := sess.Begin("/x/y.bin", "application/octet-stream", [][]byte{[]byte("chunk0-"), []byte("chunk1")})
	require.NoError(t, err)
	require.NoError(t, sess.SendChunk(ctx, job, 1))
	require.NoError(t, sess.SendChunk(ctx, job, 0))
	require.NoError(t, sess.MarkSent(job))
	require.NoError(t, sess.Commit(ctx, job))
	sess.Close()

	assert.Equal(t, "chunk0-chunk1", string(download(t, e.api, "/x/y.bin")))
}

// TestWorkflow_GapRejected 缺少 index 2 时提交被拒绝
func TestWorkflow_GapRejected(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()

	text, err := e.api.OpenBatch(ctx)
	require.NoError(t, err)
	batch, err := types.ParseBatchID(text)
	require.NoError(t, err)

	for _, idx := range []types.ChunkIndex{0, 1, 3} {
		require.NoError(t, e.api.PutChunk(ctx, batch, "/gap.bin", idx, "", []byte{byte(idx)}))
	}

	err = e.api.Commit(ctx, batch, "/gap.bin", "")
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.Code)
}

// TestWorkflow_NetworkFailure 一个文件的分片请求失败，不影响后续文件
func TestWorkflow_NetworkFailure(t *testing.T) {
	e := setupEnv(t, nil)
	ctx := context.Background()

	flaky, err := client.New(e.srv.URL, client.WithHTTPClient(&http.Client{
		Transport: &flakyTransport{base: http.DefaultTransport, failPath: "/broken.bin/"},
	}))
	require.NoError(t, err)

	up := uploader.New(flaky)
	report, err := up.Upload(ctx, "", []uploader.File{
		uploader.BytesFile("broken.bin", "", []byte("never arrives")),
		uploader.BytesFile("fine.bin", "", []byte("arrives")),
	})
	require.NoError(t, err)

	assert.Equal(t, session.Failed, report.Jobs[0].State)
	assert.Equal(t, session.ChunkSendFailed, session.KindOf(report.Jobs[0].Err))
	assert.Equal(t, session.Committed, report.Jobs[1].State)

	_, err = e.api.Download(ctx, "broken.bin", io.Discard)
	var se *client.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.Code, "失败的文件不能被提交")
	assert.Equal(t, "arrives", string(download(t, e.api, "fine.bin")))
}

// TestWorkflow_WithRedisCache 在 Redis 可用时验证缓存装饰器不影响语义
func TestWorkflow_WithRedisCache(t *testing.T) {
	redisAddr := "localhost:6379"
	conn, err := net.DialTimeout("tcp", redisAddr, 500*time.Millisecond)
	if err != nil {
		t.Skipf("Skipping e2e: Redis not running at %s", redisAddr)
	}
	conn.Close()

	backend, err := disk.NewAdapter(filepath.Join(t.TempDir(), "blobs"))
	require.NoError(t, err)
	cached, err := cache.NewCachedStore(backend, cache.Config{
		RedisURL: "redis://" + redisAddr + "/0",
		TTL:      time.Minute,
	})
	require.NoError(t, err)
	defer cached.Close()

	e := setupEnv(t, cached)
	ctx := context.Background()

	up := uploader.New(e.api)
	_, err = up.Upload(ctx, "/cache", []uploader.File{uploader.BytesFile("a.txt", "", []byte("cached"))})
	require.NoError(t, err)
	assert.Equal(t, "cached", string(download(t, e.api, "/cache/a.txt")))

	require.NoError(t, up.Delete(ctx, "/cache/a.txt"))
	has, err := cached.Has(ctx, storage.ObjectBlobKey("/cache/a.txt"))
	require.NoError(t, err)
	assert.False(t, has, "删除后缓存不能继续报告存在")
}
