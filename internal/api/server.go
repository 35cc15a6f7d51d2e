package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Byuntil/coupon-system/internal/logger"
)

// Server HTTP服务，REST、GraphQL 和指标共用一个端口
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
}

func NewServer(port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start 阻塞直到服务关闭，正常关闭返回 nil
func (s *Server) Start() error {
	s.log.Info("HTTP服务已启动", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP服务异常退出: %w", err)
	}
	return nil
}

// Shutdown 等待进行中的请求完成
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
