// Package uploader 驱动多个文件在同一个批次会话内上传。
//
// 文件严格串行处理：前一个文件提交有结果 (成功或失败) 之后才开始切下一个文件。
// 单个文件内的分片通过有上限的 errgroup 并发发送，全部完成后再提交。
package uploader

import (
	"context"
	"errors"
	"fmt"
	"io"

	"chunkdrop/pkg/chunker"
	"chunkdrop/pkg/keypath"
	"chunkdrop/pkg/session"
	"chunkdrop/pkg/types"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency 是单个文件同时在途的分片请求数
const DefaultConcurrency = 8

// ErrUserInputMissing 表示没有选择任何文件
var ErrUserInputMissing = &session.SessionError{Kind: session.UserInputMissing}

// Directory 是上传和删除需要的服务端能力
type Directory interface {
	session.Directory
	Delete(ctx context.Context, key types.ObjectKey) (string, error)
}

// Notifier 接收需要呈现给操作者的事件
type Notifier interface {
	// Alert 报告一个失败，上传不会自动重试
	Alert(err error)
	// Reload 在最后一个文件提交成功或删除成功后调用，通知刷新列表
	Reload()
}

type nopNotifier struct{}

func (nopNotifier) Alert(error) {}
func (nopNotifier) Reload()     {}

// JobResult 是单个文件的上传结果
type JobResult struct {
	Key    types.ObjectKey
	State  session.State
	Chunks int
	Bytes  int64
	Err    error
}

// Report 汇总一次上传
type Report struct {
	BatchID types.BatchID
	Jobs    []JobResult
}

// Committed 返回提交成功的文件数
func (r *Report) Committed() int {
	n := 0
	for _, j := range r.Jobs {
		if j.State == session.Committed {
			n++
		}
	}
	return n
}

// Err 合并所有失败文件的错误，全部成功时为 nil
func (r *Report) Err() error {
	var errs []error
	for _, j := range r.Jobs {
		if j.Err != nil {
			errs = append(errs, j.Err)
		}
	}
	return errors.Join(errs...)
}

type Uploader struct {
	dir         Directory
	notifier    Notifier
	chunker     *chunker.Chunker
	concurrency int
}

type Option func(*Uploader)

// WithConcurrency 设置单个文件的分片并发上限
func WithConcurrency(n int) Option {
	return func(u *Uploader) {
		if n > 0 {
			u.concurrency = n
		}
	}
}

// WithNotifier 注入事件接收方 (CLI 输出、界面刷新等)
func WithNotifier(n Notifier) Option {
	return func(u *Uploader) {
		if n != nil {
			u.notifier = n
		}
	}
}

// WithChunker 替换默认的 2 MiB 切分策略
func WithChunker(c *chunker.Chunker) Option {
	return func(u *Uploader) {
		if c != nil {
			u.chunker = c
		}
	}
}

func New(dir Directory, opts ...Option) *Uploader {
	u := &Uploader{
		dir:         dir,
		notifier:    nopNotifier{},
		chunker:     chunker.Default(),
		concurrency: DefaultConcurrency,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Upload 在一个新批次里依次上传 files，key 由 prefix 和文件名规范化得到
// 只有 UserInputMissing 和 OpenFailed 会作为 error 返回，单个文件的失败记录在 Report 中
func (u *Uploader) Upload(ctx context.Context, prefix string, files []File) (*Report, error) {
	if len(files) == 0 {
		u.notifier.Alert(ErrUserInputMissing)
		return nil, ErrUserInputMissing
	}

	sess := session.New(u.dir)
	batch, err := sess.Open(ctx)
	if err != nil {
		u.notifier.Alert(err)
		return nil, err
	}
	defer sess.Close()

	log.Debug().Stringer("batch", batch).Int("files", len(files)).Msg("upload started")

	report := &Report{BatchID: batch, Jobs: make([]JobResult, 0, len(files))}
	for _, f := range files {
		res := u.uploadOne(ctx, sess, keypath.Normalize(prefix, f.Name()), f)
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("key", res.Key.String()).Msg("upload failed")
			u.notifier.Alert(res.Err)
		}
		report.Jobs = append(report.Jobs, res)
	}

	if report.Jobs[len(report.Jobs)-1].State == session.Committed {
		u.notifier.Reload()
	}
	return report, nil
}

func (u *Uploader) uploadOne(ctx context.Context, sess *session.Session, key types.ObjectKey, f File) JobResult {
	res := JobResult{Key: key, State: session.Failed}

	// 1. 整个文件读入内存后再切分
	data, err := readAll(f)
	if err != nil {
		res.Err = fmt.Errorf("failed to read %s: %w", f.Name(), err)
		return res
	}
	chunks := u.chunker.Split(data)
	res.Chunks, res.Bytes = len(chunks), int64(len(data))

	job, err := sess.Begin(key, f.ContentType(), chunks)
	if err != nil {
		res.Err = err
		return res
	}

	// 2. 并发发送分片，第一个失败会取消其余请求
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.concurrency)
	for i := range chunks {
		g.Go(func() error {
			return sess.SendChunk(gctx, job, i)
		})
	}
	if err := g.Wait(); err != nil {
		sess.Fail(job, err)
		res.Err = err
		return res
	}

	// 3. 提交
	if err := sess.MarkSent(job); err != nil {
		res.Err = err
		return res
	}
	if err := sess.Commit(ctx, job); err != nil {
		res.Err = err
		return res
	}

	res.State = session.Committed
	log.Debug().Str("key", key.String()).Int("chunks", len(chunks)).Int64("bytes", res.Bytes).Msg("file committed")
	return res
}

func readAll(f File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Delete 按 key 删除已提交的对象，成功后通知刷新
func (u *Uploader) Delete(ctx context.Context, key types.ObjectKey) error {
	msg, err := u.dir.Delete(ctx, key)
	if err != nil {
		serr := &session.SessionError{Kind: session.DeleteFailed, Key: key, Err: err}
		u.notifier.Alert(serr)
		return serr
	}

	log.Info().Str("key", key.String()).Str("response", msg).Msg("object deleted")
	u.notifier.Reload()
	return nil
}
