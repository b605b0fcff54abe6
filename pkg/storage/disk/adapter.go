package disk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"chunkdrop/pkg/storage"

	"github.com/fxamacker/cbor/v2"
)

// Adapter 实现了 storage.Store 接口
// 数据和元数据分两棵目录树存放:
//
//	root/data/<key>   blob 内容
//	root/attrs/<key>  CBOR 编码的 storage.Attrs
type Adapter struct {
	rootPath string // 比如: /var/lib/cdrop/blobs
}

// NewAdapter 创建一个新的磁盘存储适配器
func NewAdapter(root string) (*Adapter, error) {
	// 确保根目录存在
	for _, dir := range []string{root, filepath.Join(root, "data"), filepath.Join(root, "attrs")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create root storage dir: %w", err)
		}
	}
	return &Adapter{rootPath: root}, nil
}

// layout 返回 key 对应的物理路径
// Example: "objects/a/f.txt" -> root/data/objects/a/f.txt
func (s *Adapter) layout(tree, key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == "." || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.rootPath, tree, clean), nil
}

func (s *Adapter) Put(ctx context.Context, key string, r io.Reader, attrs storage.Attrs) error {
	dataPath, err := s.layout("data", key)
	if err != nil {
		return err
	}
	attrPath, err := s.layout("attrs", key)
	if err != nil {
		return err
	}

	// 1. 写数据
	n, err := atomicWrite(dataPath, r)
	if err != nil {
		return err
	}
	if attrs.Size >= 0 && n != attrs.Size {
		os.Remove(dataPath)
		return fmt.Errorf("size mismatch for %s: declared %d, wrote %d", key, attrs.Size, n)
	}
	attrs.Size = n

	// 2. 写元数据 (CBOR)
	meta, err := cbor.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("failed to encode attrs: %w", err)
	}
	if _, err := atomicWrite(attrPath, strings.NewReader(string(meta))); err != nil {
		return err
	}
	return nil
}

// atomicWrite 原子写入 (Atomic Write)
// 技巧：先写到一个临时文件，然后 Rename。
// 这样保证要么文件不存在，要么文件是完整的；已有文件会被整体替换。
func atomicWrite(targetPath string, r io.Reader) (int64, error) {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, err
	}

	tempFile, err := os.CreateTemp(dir, ".temp-*")
	if err != nil {
		return 0, err
	}
	// 确保临时文件会被清理（如果成功 Rename 了，这个删除会失效，或者无害）
	defer os.Remove(tempFile.Name())

	n, err := io.Copy(tempFile, r)
	if err != nil {
		tempFile.Close()
		return 0, err
	}
	if err := tempFile.Close(); err != nil { // 必须先关闭才能 Rename
		return 0, err
	}

	if err := os.Rename(tempFile.Name(), targetPath); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *Adapter) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	targetPath, err := s.layout("data", key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(targetPath)
	if os.IsNotExist(err) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Adapter) Stat(ctx context.Context, key string) (storage.Attrs, error) {
	attrPath, err := s.layout("attrs", key)
	if err != nil {
		return storage.Attrs{}, err
	}

	raw, err := os.ReadFile(attrPath)
	if os.IsNotExist(err) {
		return storage.Attrs{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Attrs{}, err
	}

	var attrs storage.Attrs
	if err := cbor.Unmarshal(raw, &attrs); err != nil {
		return storage.Attrs{}, fmt.Errorf("corrupted attrs for %s: %w", key, err)
	}
	return attrs, nil
}

func (s *Adapter) Has(ctx context.Context, key string) (bool, error) {
	targetPath, err := s.layout("data", key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(targetPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (s *Adapter) Delete(ctx context.Context, key string) error {
	for _, tree := range []string{"data", "attrs"} {
		p, err := s.layout(tree, key)
		if err != nil {
			return err
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.pruneEmptyDirs(filepath.Dir(p), filepath.Join(s.rootPath, tree))
	}
	return nil
}

// pruneEmptyDirs 自底向上删除空目录，直到 stop 为止
// chunks/<batch>/<key>/ 这类目录在提交后会被清空
func (s *Adapter) pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return // 非空或已被并发删除
		}
		dir = filepath.Dir(dir)
	}
}
