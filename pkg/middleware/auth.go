package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"showcase-sync-backend/pkg/models"
	"showcase-sync-backend/pkg/utils"
)

// ContextKey 用于在context中存储用户信息的键
type ContextKey string

const (
	UserContextKey ContextKey = "user"
)

// ErrNotAuthenticated 请求上下文中没有用户
var ErrNotAuthenticated = errors.New("user not authenticated")

// bearerToken 从Authorization头获取token
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", false
	}
	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	if tokenString == authHeader || strings.TrimSpace(tokenString) == "" {
		return "", false
	}
	return strings.TrimSpace(tokenString), true
}

// AuthMiddleware JWT认证中间件（只接受访问令牌）
func AuthMiddleware(jwtService *utils.JWTService, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				utils.WriteUnauthorizedResponse(w, "Missing authorization header")
				return
			}
			tokenString, ok := bearerToken(r)
			if !ok {
				utils.WriteUnauthorizedResponse(w, "Invalid authorization header format")
				return
			}

			claims, err := jwtService.ValidateAccessToken(tokenString)
			if err != nil {
				logger.Debug("❌ Auth middleware: token rejected", "path", r.URL.Path, "error", err)
				switch {
				case errors.Is(err, utils.ErrTokenExpired):
					utils.WriteUnauthorizedResponse(w, "Token expired")
				case errors.Is(err, utils.ErrWrongTokenType):
					utils.WriteUnauthorizedResponse(w, "Invalid token type")
				default:
					utils.WriteUnauthorizedResponse(w, "Invalid token")
				}
				return
			}

			user := &models.User{ID: claims.UserID, Email: claims.Email}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

// WithUser 将用户信息添加到context
func WithUser(ctx context.Context, user *models.User) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

// GetUserFromContext 从context中获取用户信息
func GetUserFromContext(ctx context.Context) (*models.User, bool) {
	user, ok := ctx.Value(UserContextKey).(*models.User)
	return user, ok && user != nil
}

// RequireUser 要求用户必须已认证的辅助函数
func RequireUser(ctx context.Context) (*models.User, error) {
	user, ok := GetUserFromContext(ctx)
	if !ok {
		return nil, ErrNotAuthenticated
	}
	return user, nil
}
