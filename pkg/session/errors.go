package session

import (
	"errors"
	"fmt"

	"chunkdrop/pkg/types"
)

// Kind 是上传失败的分类
type Kind int

const (
	// OpenFailed 拿不到合法的 BatchID，整个上传终止
	OpenFailed Kind = iota + 1
	// ChunkSendFailed 某个文件的分片发送失败，该文件不会提交
	ChunkSendFailed
	// CommitFailed 目录拒绝组装对象
	CommitFailed
	// UserInputMissing 没有选择任何文件，不发起网络请求
	UserInputMissing
	// DeleteFailed 按 key 删除失败
	DeleteFailed
)

func (k Kind) String() string {
	switch k {
	case OpenFailed:
		return "open failed"
	case ChunkSendFailed:
		return "chunk send failed"
	case CommitFailed:
		return "commit failed"
	case UserInputMissing:
		return "user input missing"
	case DeleteFailed:
		return "delete failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrInvalidState = errors.New("invalid session state")

// SessionError 携带失败分类和出错的对象 key
type SessionError struct {
	Kind Kind
	Key  types.ObjectKey
	Err  error
}

func (e *SessionError) Error() string {
	msg := e.Kind.String()
	if e.Key != "" {
		msg += " for " + string(e.Key)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SessionError) Unwrap() error { return e.Err }

// Is 让 errors.Is(err, &SessionError{Kind: X}) 按分类匹配
func (e *SessionError) Is(target error) bool {
	t, ok := target.(*SessionError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Key == "" || t.Key == e.Key)
}

// KindOf 取出错误链上的分类，没有时返回 0
func KindOf(err error) Kind {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
