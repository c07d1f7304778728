package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"showcase-sync-backend/pkg/config"

	"github.com/go-chi/chi/v5/middleware"
)

// Logger 创建日志中间件：开发环境使用Chi的默认日志，生产环境使用结构化日志
func Logger(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	if cfg.IsDevelopment() && cfg.LogFormat != "json" {
		return middleware.Logger
	}
	return RequestLogger(logger)
}

// RequestLogger 结构化请求日志
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// 创建响应写入器包装器来捕获状态码
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			// 获取用户信息（如果有），认证在子路由中完成，因此这里通常为空
			userInfo := "anonymous"
			if user, ok := GetUserFromContext(r.Context()); ok {
				userInfo = user.ID
			}

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			level := slog.LevelInfo
			switch {
			case status >= 500:
				level = slog.LevelError
			case status >= 400:
				level = slog.LevelWarn
			}

			logger.LogAttrs(r.Context(), level, "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", status),
				slog.Int("bytes", ww.BytesWritten()),
				slog.Duration("duration", time.Since(start)),
				slog.String("user", userInfo),
				slog.String("ip", getClientIP(r)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("user_agent", r.UserAgent()),
			)
		})
	}
}

// getClientIP 获取客户端IP地址
func getClientIP(r *http.Request) string {
	// 检查X-Forwarded-For头（代理/负载均衡器）
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}

	// 检查X-Real-IP头
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	return r.RemoteAddr
}
