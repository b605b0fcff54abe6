// Package session 实现客户端的批次会话：
// 打开批次拿到 BatchID，按 (batch, key, index) 发送分片，逐个对象提交。
//
// 状态机: Unopened -> Open -> (每个文件: Pending -> ChunksSent -> Committed/Failed)* -> Closed
// 会话不支持续传，进程中断后残留的批次由服务端回收。
package session

import (
	"context"
	"fmt"
	"sync"

	"chunkdrop/pkg/types"
)

// Directory 是会话依赖的服务端能力，由 pkg/client 通过 HTTP 实现
type Directory interface {
	// OpenBatch 返回服务端给出的批次号原文，由会话负责解析
	OpenBatch(ctx context.Context) (string, error)
	PutChunk(ctx context.Context, batch types.BatchID, key types.ObjectKey, index types.ChunkIndex, contentType string, data []byte) error
	Commit(ctx context.Context, batch types.BatchID, key types.ObjectKey, contentType string) error
}

type phase int

const (
	phaseUnopened phase = iota
	phaseOpen
	phaseClosed
)

// State 是单个上传任务的状态
type State int

const (
	Pending State = iota
	ChunksSent
	Committed
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case ChunksSent:
		return "chunks_sent"
	case Committed:
		return "committed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Job 是一个对象的上传任务
// 分片在 Begin 时确定，之后只读，可以被多个 goroutine 同时发送
type Job struct {
	Key         types.ObjectKey
	ContentType string
	Chunks      [][]byte

	state State
	err   error
}

// Size 返回所有分片的总字节数
func (j *Job) Size() int64 {
	var n int64
	for _, c := range j.Chunks {
		n += int64(len(c))
	}
	return n
}

type Session struct {
	dir Directory

	mu    sync.Mutex
	phase phase
	batch types.BatchID
}

func New(dir Directory) *Session {
	return &Session{dir: dir}
}

// Open 向目录申请批次号
// 失败是致命的，调用方不能在没有 BatchID 的情况下继续
func (s *Session) Open(ctx context.Context) (types.BatchID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseUnopened {
		return 0, fmt.Errorf("%w: open called twice", ErrInvalidState)
	}

	text, err := s.dir.OpenBatch(ctx)
	if err != nil {
		return 0, &SessionError{Kind: OpenFailed, Err: err}
	}
	id, err := types.ParseBatchID(text)
	if err != nil {
		return 0, &SessionError{Kind: OpenFailed, Err: err}
	}
	if id.IsZero() {
		return 0, &SessionError{Kind: OpenFailed, Err: fmt.Errorf("directory returned batch id 0")}
	}

	s.batch = id
	s.phase = phaseOpen
	return id, nil
}

// BatchID 返回当前批次，未打开时为 0
func (s *Session) BatchID() types.BatchID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batch
}

// Begin 登记一个待上传的对象
func (s *Session) Begin(key types.ObjectKey, contentType string, chunks [][]byte) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase != phaseOpen {
		return nil, fmt.Errorf("%w: session is not open", ErrInvalidState)
	}
	return &Job{Key: key, ContentType: contentType, Chunks: chunks, state: Pending}, nil
}

// SendChunk 发送第 index 个分片
// 不同 index 之间没有顺序要求，可以并发调用
func (s *Session) SendChunk(ctx context.Context, job *Job, index int) error {
	s.mu.Lock()
	batch, ph, st := s.batch, s.phase, job.state
	s.mu.Unlock()

	if ph != phaseOpen || st != Pending {
		return fmt.Errorf("%w: cannot send chunk for %s in state %s", ErrInvalidState, job.Key, st)
	}
	if index < 0 || index >= len(job.Chunks) {
		return fmt.Errorf("%w: chunk index %d out of range [0,%d)", ErrInvalidState, index, len(job.Chunks))
	}

	err := s.dir.PutChunk(ctx, batch, job.Key, types.ChunkIndex(index), job.ContentType, job.Chunks[index])
	if err != nil {
		return &SessionError{Kind: ChunkSendFailed, Key: job.Key, Err: fmt.Errorf("chunk %d: %w", index, err)}
	}
	return nil
}

// MarkSent 表示该对象的所有分片都已发送成功
func (s *Session) MarkSent(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.state != Pending {
		return fmt.Errorf("%w: %s is %s", ErrInvalidState, job.Key, job.state)
	}
	job.state = ChunksSent
	return nil
}

// Fail 把任务标记为失败，之后不能再提交
func (s *Session) Fail(job *Job, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.state = Failed
	job.err = err
}

// Commit 请求目录组装对象，替换同 key 的旧对象
// 只有分片全部发送成功的任务才能提交，失败只影响这一个对象
func (s *Session) Commit(ctx context.Context, job *Job) error {
	s.mu.Lock()
	batch, ph, st := s.batch, s.phase, job.state
	s.mu.Unlock()

	if ph != phaseOpen || st != ChunksSent {
		return fmt.Errorf("%w: cannot commit %s in state %s", ErrInvalidState, job.Key, st)
	}

	err := s.dir.Commit(ctx, batch, job.Key, job.ContentType)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		serr := &SessionError{Kind: CommitFailed, Key: job.Key, Err: err}
		job.state, job.err = Failed, serr
		return serr
	}
	job.state = Committed
	return nil
}

// State 返回任务当前状态和失败原因
func (s *Session) State(job *Job) (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return job.state, job.err
}

// Close 结束会话，之后的任何操作都会返回 ErrInvalidState
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phaseClosed
}
