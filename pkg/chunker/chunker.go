package chunker

import (
	"errors"
	"iter"
)

// MaxChunkSize 是上传协议固定的分片上限 (2 MiB)
const MaxChunkSize = 2 * 1024 * 1024

var ErrInvalidChunkSize = errors.New("chunk size must be positive")

// Chunker 是一个无状态的定长切分工具
// 除最后一块外，每块都恰好是 max 字节
type Chunker struct {
	max int
}

// New 创建指定上限的 Chunker
func New(max int) (*Chunker, error) {
	if max <= 0 {
		return nil, ErrInvalidChunkSize
	}
	return &Chunker{max: max}, nil
}

// Default 返回协议默认的 2 MiB Chunker
func Default() *Chunker {
	return &Chunker{max: MaxChunkSize}
}

// Max 返回单块上限
func (c *Chunker) Max() int { return c.max }

// Cut 将数据切分成一系列的切点。
// 返回值:
//
//	[]int: 每一块的结束 offset，最后一个元素等于 len(data)。
//	空输入返回空切片 (零块)。
func (c *Chunker) Cut(data []byte) []int {
	n := len(data)
	if n == 0 {
		return nil
	}

	cutPoints := make([]int, 0, Count(n, c.max))
	for offset := 0; offset < n; {
		end := min(offset+c.max, n)
		cutPoints = append(cutPoints, end)
		offset = end
	}
	return cutPoints
}

// Split 按切点返回子切片 (共享底层数组，不拷贝)
func (c *Chunker) Split(data []byte) [][]byte {
	cuts := c.Cut(data)
	chunks := make([][]byte, 0, len(cuts))

	start := 0
	for _, end := range cuts {
		chunks = append(chunks, data[start:end:end])
		start = end
	}
	return chunks
}

// All 以 (index, chunk) 的形式遍历分片
// 每次 range 都从头开始，可以重复遍历
func (c *Chunker) All(data []byte) iter.Seq2[int, []byte] {
	return func(yield func(int, []byte) bool) {
		start := 0
		for i, end := range c.Cut(data) {
			if !yield(i, data[start:end:end]) {
				return
			}
			start = end
		}
	}
}

// Count 返回 size 字节按 max 切分后的块数: ceil(size/max)
func Count(size, max int) int {
	if size <= 0 || max <= 0 {
		return 0
	}
	return (size + max - 1) / max
}
