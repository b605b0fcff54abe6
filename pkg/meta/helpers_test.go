package meta

import (
	"context"
	"path/filepath"
	"testing"

	"chunkdrop/pkg/types"

	"github.com/stretchr/testify/require"
)

// -----------------------------------------------------------------------------
// 通用辅助函数 (Helpers)
// -----------------------------------------------------------------------------

// setupTestRepo 构建隔离的测试环境 (临时目录下的 SQLite 文件)
func setupTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDB(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "meta.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewRepository(db)
}

// mustCreateBatch 创建批次，失败直接终止测试
func mustCreateBatch(t *testing.T, repo *Repository) types.BatchID {
	t.Helper()
	b, err := repo.CreateBatch(context.Background())
	require.NoError(t, err)
	return b.ID
}

// mustSaveChunk 写入分片记录
func mustSaveChunk(t *testing.T, repo *Repository, batch types.BatchID, key types.ObjectKey, idx types.ChunkIndex, size int64, msgAndArgs ...any) {
	t.Helper()
	err := repo.SaveChunk(context.Background(), &ChunkRecord{
		BatchID:     batch,
		ObjectKey:   key,
		Idx:         idx,
		Size:        size,
		ContentType: "application/octet-stream",
		BlobKey:     "chunks/test",
	})
	require.NoError(t, err, msgAndArgs...)
}
