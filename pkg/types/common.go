// pkg/types/common.go
package types

import (
	"fmt"
	"path"
	"strconv"
	"strings"
)

// BatchID 是服务端在 open 时分配的批次标识
// 对客户端来说是不透明的数字令牌
type BatchID uint64

func (b BatchID) String() string { return strconv.FormatUint(uint64(b), 10) }
func (b BatchID) IsZero() bool   { return b == 0 }

// ParseBatchID 把响应文本解析成 BatchID
// 只接受十进制整数 (允许首尾空白)，其它一律报错
func ParseBatchID(text string) (BatchID, error) {
	s := strings.TrimSpace(text)
	if s == "" {
		return 0, fmt.Errorf("empty batch id")
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid batch id %q: %w", s, err)
	}
	return BatchID(n), nil
}

// ObjectKey 是对象在目录中的规范化路径
// 形如 "/a/b/f.txt"，没有前缀时就是裸文件名 "f.txt"
type ObjectKey string

func (k ObjectKey) String() string { return string(k) }
func (k ObjectKey) IsZero() bool   { return k == "" }

// Base 返回 key 的最后一段 (文件名)
func (k ObjectKey) Base() string { return path.Base(string(k)) }

// ChunkIndex 是分片在对象内的序号，从 0 开始连续
type ChunkIndex int

func (i ChunkIndex) String() string { return strconv.Itoa(int(i)) }

// ParseChunkIndex 解析 URL 中的分片序号
func ParseChunkIndex(text string) (ChunkIndex, error) {
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("invalid chunk index %q: %w", text, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("invalid chunk index %d: must not be negative", n)
	}
	return ChunkIndex(n), nil
}
