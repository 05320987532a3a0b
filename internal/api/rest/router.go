package rest

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/facevote/config"
)

// NewRouter 创建gin引擎并注册中间件和REST路由
func NewRouter(cfg config.ServerConfig, h *Handler, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(
		requestLogger(logger),
		recovery(logger),
		cors(cfg.AllowOrigin),
		bodyLimit(cfg.MaxBodyBytes),
	)

	r.GET("/health", h.Health)

	api := r.Group("/api")
	api.GET("/", h.ListNominees)
	api.POST("/votes", h.SubmitVote)
	api.GET("/tally", h.Tally)
	api.POST("/otp/send", h.SendCode)
	api.POST("/otp/verify", h.VerifyCode)

	return r
}

// MountGraphQL 在 path 上挂载GraphQL处理器，GET返回Playground
func MountGraphQL(r *gin.Engine, path string, api, playground http.Handler) {
	r.POST(path, gin.WrapH(api))
	if playground != nil {
		r.GET(path, gin.WrapH(playground))
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	logger = logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			logger.Error("请求处理失败", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			logger.Warn("请求被拒绝", fields...)
		default:
			logger.Info("请求完成", fields...)
		}
	}
}

func recovery(logger *zap.Logger) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		logger.Error("处理请求时发生panic", zap.Any("panic", recovered), zap.String("path", c.Request.URL.Path))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal server error",
		})
	})
}

func cors(origin string) gin.HandlerFunc {
	if origin == "" {
		origin = "*"
	}
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func bodyLimit(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limit > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}
