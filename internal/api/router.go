package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Byuntil/coupon-system/internal/api/graph"
	"github.com/Byuntil/coupon-system/internal/logger"
)

type RouterConfig struct {
	Mode          string
	CouponHandler *CouponHandler
	AdminHandler  *AdminHandler
	GraphQL       *graph.GraphQLServer
	GraphQLPath   string
	Gatherer      prometheus.Gatherer
	Log           *logger.Logger
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	if cfg.Mode != "" {
		gin.SetMode(cfg.Mode)
	}
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(cfg.Log))

	router.GET("/healthz", HealthCheck)
	if cfg.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/api/v1")
	{
		v1.POST("/coupons/issue", cfg.CouponHandler.Issue)
		v1.POST("/coupons/use", cfg.CouponHandler.Use)
	}

	admin := v1.Group("/admin/coupons")
	{
		admin.POST("", cfg.AdminHandler.Create)
		admin.PUT("/:code", cfg.AdminHandler.Update)
		admin.DELETE("/:code", cfg.AdminHandler.Delete)
		admin.POST("/:code/disable", cfg.AdminHandler.Disable)
		admin.GET("/:code/status", cfg.AdminHandler.Status)
	}

	if cfg.GraphQL != nil {
		path := cfg.GraphQLPath
		if path == "" {
			path = "/graphql"
		}
		router.POST(path, func(c *gin.Context) {
			ctx := graph.WithClientIP(c.Request.Context(), c.ClientIP())
			cfg.GraphQL.Handler().ServeHTTP(c.Writer, c.Request.WithContext(ctx))
		})
		router.GET(path, gin.WrapH(cfg.GraphQL.Playground()))
	}

	return router
}

// requestLogger 记录每个请求的方法、路径、状态码和耗时
func requestLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("HTTP请求",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}
