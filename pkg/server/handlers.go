package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"chunkdrop/pkg/directory"
	"chunkdrop/pkg/types"

	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

var (
	errBadRequest    = errors.New("bad request")
	errBatchMismatch = errors.New("batch id in body does not match path")
)

// commit 请求体只是批次号，不需要读太多
const maxCommitBody = 64

func (s *Server) handleOpenBatch(w http.ResponseWriter, r *http.Request) {
	id, err := s.dir.OpenBatch(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, id.String())
}

func (s *Server) handlePutChunk(w http.ResponseWriter, r *http.Request) {
	batch, err := batchParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// 通配部分是 "{key...}/{index}"，最后一段是 index
	rest, err := wildcard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 {
		writeError(w, fmt.Errorf("%w: expected /upload/{batch}/{key}/{index}", errBadRequest))
		return
	}
	index, err := types.ParseChunkIndex(rest[i+1:])
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}

	limit := s.dir.MaxChunkSize()
	if r.ContentLength > limit {
		writeError(w, fmt.Errorf("%w: %s > %s", directory.ErrChunkTooLarge,
			units.BytesSize(float64(r.ContentLength)), units.BytesSize(float64(limit))))
		return
	}
	body := http.MaxBytesReader(w, r.Body, limit)

	contentType := r.URL.Query().Get("content-type")
	err = s.dir.PutChunk(r.Context(), batch, types.ObjectKey(rest[:i]), index, contentType, body)
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCommit(w http.ResponseWriter, r *http.Request) {
	batch, err := batchParam(r)
	if err != nil {
		writeError(w, err)
		return
	}
	key, err := wildcard(r)
	if err != nil {
		writeError(w, err)
		return
	}

	// 请求体里的批次号是可选的，给了就必须和路径一致
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxCommitBody))
	if err != nil {
		writeError(w, err)
		return
	}
	if text := strings.TrimSpace(string(raw)); text != "" {
		bodyBatch, err := types.ParseBatchID(text)
		if err != nil {
			writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
			return
		}
		if bodyBatch != batch {
			writeError(w, fmt.Errorf("%w: %s != %s", errBatchMismatch, bodyBatch, batch))
			return
		}
	}

	rec, err := s.dir.Commit(r.Context(), batch, types.ObjectKey(key), r.URL.Query().Get("content-type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, fmt.Sprintf("committed %s (%d bytes)", rec.Key, rec.Size))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key, err := wildcard(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.dir.Delete(r.Context(), types.ObjectKey(key)); err != nil {
		writeError(w, err)
		return
	}
	writeText(w, http.StatusOK, "deleted "+key)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	objs, err := s.dir.List(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(objs); err != nil {
		log.Warn().Err(err).Msg("failed to encode object list")
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	key, err := wildcard(r)
	if err != nil {
		writeError(w, err)
		return
	}

	rc, rec, err := s.dir.Open(r.Context(), types.ObjectKey(key))
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(rec.Size, 10))
	if _, err := io.Copy(w, rc); err != nil {
		log.Warn().Err(err).Str("key", rec.Key.String()).Msg("download interrupted")
	}
}

// =============================================================================
// 辅助函数
// =============================================================================

func batchParam(r *http.Request) (types.BatchID, error) {
	id, err := types.ParseBatchID(chi.URLParam(r, "batchID"))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return id, nil
}

// wildcard 返回路由通配部分并反转义
// 路由按转义路径匹配 (见 escapedRoutePath)，这里统一解码一次
func wildcard(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "*")
	s, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errBadRequest, err)
	}
	if s == "" {
		return "", fmt.Errorf("%w: missing object key", errBadRequest)
	}
	return s, nil
}

// statusFor 把领域错误映射为 HTTP 状态码
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	switch {
	case errors.Is(err, directory.ErrBatchNotFound), errors.Is(err, directory.ErrObjectNotFound):
		return http.StatusNotFound
	case errors.Is(err, errBadRequest), errors.Is(err, directory.ErrInvalidKey),
		errors.Is(err, directory.ErrInvalidIndex), errors.Is(err, directory.ErrAmbiguousKey):
		return http.StatusBadRequest
	case errors.Is(err, directory.ErrIncompleteChunks), errors.Is(err, errBatchMismatch):
		return http.StatusConflict
	case errors.Is(err, directory.ErrChunkTooLarge), errors.As(err, &maxErr):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	writeText(w, status, msg)
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, msg+"\n")
}
