package uploader

import (
	"bytes"
	"io"
	"mime"
	"os"
	"path/filepath"

	"chunkdrop/pkg/storage"
)

// File 是待上传的一个文件
// Name 只取文件名部分，完整 key 由前缀和它拼接而成
type File interface {
	Name() string
	ContentType() string
	Open() (io.ReadCloser, error)
}

type localFile struct {
	path string
}

// LocalFile 包装磁盘上的文件，内容类型按扩展名推断
func LocalFile(path string) File {
	return localFile{path: path}
}

func (f localFile) Name() string { return filepath.Base(f.path) }

func (f localFile) ContentType() string {
	if ct := mime.TypeByExtension(filepath.Ext(f.path)); ct != "" {
		return ct
	}
	return storage.DefaultContentType
}

func (f localFile) Open() (io.ReadCloser, error) { return os.Open(f.path) }

type bytesFile struct {
	name        string
	contentType string
	data        []byte
}

// BytesFile 用内存中的数据构造文件，contentType 为空时使用默认类型
func BytesFile(name, contentType string, data []byte) File {
	if contentType == "" {
		contentType = storage.DefaultContentType
	}
	return bytesFile{name: name, contentType: contentType, data: data}
}

func (f bytesFile) Name() string        { return f.name }
func (f bytesFile) ContentType() string { return f.contentType }

func (f bytesFile) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(f.data)), nil
}
