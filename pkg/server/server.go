// Package server 把对象目录暴露为 HTTP 接口
package server

import (
	"net/http"

	"chunkdrop/pkg/directory"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

type Server struct {
	dir *directory.Directory
}

func New(dir *directory.Directory) *Server {
	return &Server{dir: dir}
}

// Routes 返回配置好的路由
//
//	POST   /upload                          开启批次
//	PUT    /upload/{batch}/{key...}/{index} 上传分片
//	POST   /upload/commit/{batch}/{key...}  提交对象
//	DELETE /upload/{key...}                 删除对象
//	GET    /objects?prefix=                 列出对象
//	GET    /objects/{key...}                下载对象
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(escapedRoutePath)
	r.Use(Logging)
	r.Use(Recover)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeText(w, http.StatusOK, "ok")
	})

	r.Route("/upload", func(r chi.Router) {
		r.Post("/", s.handleOpenBatch)
		r.Post("/commit/{batchID}/*", s.handleCommit)
		r.Put("/{batchID}/*", s.handlePutChunk)
		r.Delete("/*", s.handleDelete)
	})

	r.Get("/objects", s.handleList)
	r.Get("/objects/*", s.handleDownload)

	return r
}

// escapedRoutePath 让 chi 总是按转义后的路径匹配
// 否则只有部分请求带 RawPath，通配参数是否已解码就不确定
func escapedRoutePath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePath == "" {
			rctx.RoutePath = r.URL.EscapedPath()
		}
		next.ServeHTTP(w, r)
	})
}
