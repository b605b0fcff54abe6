package storage

import (
	"testing"

	"chunkdrop/pkg/types"

	"github.com/stretchr/testify/assert"
)

func TestObjectBlobKey(t *testing.T) {
	assert.Equal(t, "objects/%2Fa%2Fb%2Ff.txt", ObjectBlobKey("/a/b/f.txt"))
	assert.Equal(t, "objects/f.txt", ObjectBlobKey("f.txt"))

	// 对象 key 互为前缀时，存储 key 不能嵌套
	assert.NotContains(t, ObjectBlobKey("/a/b.txt")[len("objects/"):], "/")
	assert.NotEqual(t, ObjectBlobKey("/a/b"), ObjectBlobKey("/a%2Fb"))
}

func TestChunkBlobKey(t *testing.T) {
	assert.Equal(t, "chunks/7/%2Fx%2Fy.bin/00000001", ChunkBlobKey(7, "/x/y.bin", 1))
	assert.Equal(t, "chunks/7/f.txt/00000000", ChunkBlobKey(7, "f.txt", 0))

	// 不同 key 不能映射到同一个存储位置
	a := ChunkBlobKey(1, types.ObjectKey("/a/b"), 0)
	b := ChunkBlobKey(1, types.ObjectKey("/a%2Fb"), 0)
	assert.NotEqual(t, a, b)
}
