// Package keypath 负责把用户输入的前缀和文件名组合成规范化的 ObjectKey
package keypath

import (
	"errors"
	"strings"

	"chunkdrop/pkg/types"
)

var ErrInvalidKey = errors.New("invalid object key")

// segments 按 "/" 切分并丢弃空段 (合并首尾和重复的斜杠)
func segments(p string) []string {
	parts := strings.Split(p, "/")
	out := parts[:0]
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// NormalizePrefix 规范化前缀: 去掉空段后用 "/" 连接，并加上唯一的前导 "/"
// 没有任何非空段时结果就是 "/"
func NormalizePrefix(prefix string) string {
	return "/" + strings.Join(segments(prefix), "/")
}

// Normalize 由前缀和文件名生成 ObjectKey
// 前缀为空 (规范化后是 "/") 时 key 就是文件名本身
func Normalize(prefix, base string) types.ObjectKey {
	p := NormalizePrefix(prefix)
	if p == "/" {
		return types.ObjectKey(base)
	}
	return types.ObjectKey(p + "/" + base)
}

// Canonical 规范化服务端收到的完整 key
// 规则与 Normalize 一致: 单段为裸文件名，多段带前导 "/"
// 空 key 以及 "." / ".." 段会被拒绝，避免落盘时逃逸出存储目录
func Canonical(key string) (types.ObjectKey, error) {
	segs := segments(key)
	if len(segs) == 0 {
		return "", ErrInvalidKey
	}
	for _, s := range segs {
		if s == "." || s == ".." {
			return "", ErrInvalidKey
		}
	}
	last := len(segs) - 1
	return Normalize(strings.Join(segs[:last], "/"), segs[last]), nil
}

// Split 把 key 拆成 (前缀, 文件名)，Normalize 的逆操作
func Split(key types.ObjectKey) (prefix, base string) {
	k := string(key)
	i := strings.LastIndex(k, "/")
	if i < 0 {
		return "/", k
	}
	if i == 0 {
		return "/", k[1:]
	}
	return k[:i], k[i+1:]
}

// HasPrefix 判断 key 是否位于某个 (已规范化的) 前缀之下，用于列表过滤
func HasPrefix(key types.ObjectKey, prefix string) bool {
	p := NormalizePrefix(prefix)
	if p == "/" {
		return true
	}
	return strings.HasPrefix(string(key), p+"/")
}
