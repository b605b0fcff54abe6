// Package ignore 决定上传目录时哪些文件被跳过
package ignore

import (
	"io/fs"
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

// FileName 是用户自定义忽略规则的文件名，放在被上传目录的根下
const FileName = ".cdropignore"

// defaultRules 强制生效，用户规则只能在此基础上追加
var defaultRules = []string{
	// 本地元数据和版本库
	".cdrop",
	".git",

	// 可能含有密钥的配置
	"config.yaml",
	".env",
	FileName,

	// 系统垃圾文件
	".DS_Store",
	"Thumbs.db",
}

// Matcher 封装了忽略逻辑
type Matcher struct {
	ignorer *gitignore.GitIgnore
}

// NewMatcher 加载 rootPath 下的 .cdropignore (若存在) 并与默认规则合并
func NewMatcher(rootPath string) (*Matcher, error) {
	ignoreFile := filepath.Join(rootPath, FileName)

	var (
		ignorer *gitignore.GitIgnore
		err     error
	)
	if _, statErr := os.Stat(ignoreFile); statErr == nil {
		ignorer, err = gitignore.CompileIgnoreFileAndLines(ignoreFile, defaultRules...)
	} else {
		ignorer = gitignore.CompileIgnoreLines(defaultRules...)
	}
	if err != nil {
		return nil, err
	}

	return &Matcher{ignorer: ignorer}, nil
}

// Matches 判断相对于根目录的路径是否应被忽略
func (m *Matcher) Matches(path string) bool {
	if m == nil || m.ignorer == nil {
		return false
	}
	return m.ignorer.MatchesPath(filepath.ToSlash(path))
}

// Files 递归列出 root 下所有未被忽略的普通文件，按路径字典序返回
// 被忽略的目录整体跳过，不再深入
func Files(root string) ([]string, error) {
	m, err := NewMatcher(root)
	if err != nil {
		return nil, err
	}

	var files []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if m.Matches(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
