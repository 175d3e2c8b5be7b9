package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"onebox/pkg/trace"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc 把普通函数适配为 Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type MQStatus interface {
	IsConnected() bool
}

type ConnectionLister interface {
	Connected(ctx context.Context) ([]string, error)
}

// Deps 运维路由依赖；DB 以外都可以为 nil
type Deps struct {
	DB Pinger
	// Cache 不可用时只降级，不影响 ready
	Cache       Pinger
	MQ          MQStatus
	Connections ConnectionLister
	Messages    MessageReader
	Delivery    DeliveryStatsReader
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(logger *zap.Logger, deps Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), traceMiddleware(logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		if err := deps.DB.Ping(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "db_not_ready", "error": err.Error()})
			return
		}
		if deps.MQ != nil && !deps.MQ.IsConnected() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "mq_not_ready"})
			return
		}

		resp := gin.H{"status": "ready"}
		if deps.Cache != nil {
			if err := deps.Cache.Ping(ctx); err != nil {
				resp["cache"] = "unavailable"
			}
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if deps.Connections != nil {
		r.GET("/connections", func(c *gin.Context) {
			ids, err := deps.Connections.Connected(c.Request.Context())
			if err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"accounts": ids, "count": len(ids)})
		})
	}

	if deps.Messages != nil {
		registerMessageRoutes(r, deps.Messages)
	}
	if deps.Delivery != nil {
		registerDeliveryRoutes(r, deps.Delivery)
	}

	return &Router{Engine: r}
}

// traceMiddleware 透传或生成 trace id，并记录慢请求和错误请求
func traceMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		if id := c.GetHeader(trace.HeaderName); id != "" {
			ctx = trace.WithContext(ctx, id)
		}
		ctx = trace.Ensure(ctx)
		c.Request = c.Request.WithContext(ctx)
		c.Header(trace.HeaderName, trace.FromContext(ctx))

		c.Next()

		duration := time.Since(start)
		if c.Writer.Status() >= http.StatusInternalServerError || duration > time.Second {
			logger.Warn("HTTP request",
				zap.String("trace_id", trace.FromContext(ctx)),
				zap.String("method", c.Request.Method),
				zap.String("path", c.FullPath()),
				zap.Int("status", c.Writer.Status()),
				zap.Duration("duration", duration),
			)
		}
	}
}
