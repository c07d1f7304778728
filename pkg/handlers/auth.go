package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"showcase-sync-backend/pkg/config"
	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/models"
	"showcase-sync-backend/pkg/utils"
)

const (
	serviceName    = "showcase-sync-backend"
	serviceVersion = "1.0.0"
)

// AuthHandler 认证与健康检查处理器
type AuthHandler struct {
	config *config.Config
	db     database.CollectionStore
	jwt    *utils.JWTService
	log    *slog.Logger
}

// NewAuthHandler 创建认证处理器
func NewAuthHandler(cfg *config.Config, db database.CollectionStore, jwtService *utils.JWTService, logger *slog.Logger) *AuthHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if jwtService == nil {
		jwtService = utils.NewJWTService(cfg.JWTSecret)
	}
	return &AuthHandler{config: cfg, db: db, jwt: jwtService, log: logger}
}

// RefreshToken 刷新令牌
func (h *AuthHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req models.RefreshTokenRequest
	if err := utils.ParseJSONBody(r, &req); err != nil {
		utils.WriteBadRequestResponse(w, "Invalid request body")
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		utils.WriteBadRequestResponse(w, "refresh_token is required")
		return
	}

	accessToken, expiresAt, err := h.jwt.RefreshAccessToken(req.RefreshToken)
	if err != nil {
		h.log.Debug("❌ Refresh rejected", "error", err)
		utils.WriteUnauthorizedResponse(w, "Invalid or expired refresh token")
		return
	}

	expiresIn := expiresAt - time.Now().Unix()
	if expiresIn < 0 {
		expiresIn = 0
	}
	utils.WriteSuccessResponse(w, models.RefreshTokenResponse{
		AccessToken: accessToken,
		ExpiresIn:   expiresIn,
	})
}

// HealthCheck 健康检查
func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	dbStatus := "healthy"
	status := "healthy"
	if h.db == nil {
		dbStatus = "unavailable"
		status = "degraded"
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := h.db.HealthCheck(ctx); err != nil {
			dbStatus = "unhealthy: " + err.Error()
			status = "degraded"
		}
	}

	utils.WriteSuccessResponse(w, map[string]interface{}{
		"service":     serviceName,
		"version":     serviceVersion,
		"environment": h.config.Environment,
		"database":    h.getDatabaseType(),
		"db_status":   dbStatus,
		"timestamp":   time.Now().Unix(),
		"status":      status,
	})
}

// getDatabaseType 获取存储类型，顺序与 database.NewDatabase 的选择一致
func (h *AuthHandler) getDatabaseType() string {
	switch {
	case h.config.UseLocalDB:
		return "local"
	case database.IsVercelEnvironment() && h.config.SupabaseURL != "" && h.config.SupabaseKey != "":
		return "supabase"
	case h.config.PostgresDSN != "":
		return "postgresql"
	case h.config.SupabaseURL != "" && h.config.SupabaseKey != "":
		return "supabase"
	case h.config.RedisAddr != "":
		return "redis"
	}
	return "unknown"
}
