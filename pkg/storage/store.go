package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"chunkdrop/pkg/types"
)

var (
	ErrNotFound = errors.New("blob not found")
)

// DefaultContentType 用于没有声明类型的对象
const DefaultContentType = "application/octet-stream"

// Attrs 是随 blob 一起保存的元数据
type Attrs struct {
	ContentType string `cbor:"ct"`
	Size        int64  `cbor:"sz"`
}

// Store defines the interface for a blob storage backend.
// Implementations can be local disk or S3 compatible storage, optionally wrapped by a cache.
type Store interface {
	// Put 写入 (或覆盖) 一个 blob
	// attrs.Size 必须是 r 的准确长度，S3 需要 Content-Length
	Put(ctx context.Context, key string, r io.Reader, attrs Attrs) error

	// Get 返回 blob 的流，调用方负责 Close
	// 不存在时返回 ErrNotFound
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat 返回 blob 的元数据
	Stat(ctx context.Context, key string) (Attrs, error)

	// Has 检查 blob 是否存在
	Has(ctx context.Context, key string) (bool, error)

	// Delete 删除 blob，不存在时视为成功 (幂等)
	Delete(ctx context.Context, key string) error
}

// ObjectBlobKey 返回已提交对象的存储 key
// 整个 key 转义成一段，"a" 和 "/a/b.txt" 不会在磁盘上争同一个路径
// Example: "/a/b/f.txt" -> "objects/%2Fa%2Fb%2Ff.txt", "f.txt" -> "objects/f.txt"
func ObjectBlobKey(key types.ObjectKey) string {
	return "objects/" + url.PathEscape(string(key))
}

// ChunkBlobKey 返回分片的存储 key
// 对象 key 整体转义成一段，保证 (batch, key, index) 到存储 key 是单射
// Example: (7, "/x/y.bin", 1) -> "chunks/7/%2Fx%2Fy.bin/00000001"
func ChunkBlobKey(batch types.BatchID, key types.ObjectKey, index types.ChunkIndex) string {
	return fmt.Sprintf("chunks/%d/%s/%08d", batch, url.PathEscape(string(key)), index)
}
