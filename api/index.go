package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"showcase-sync-backend/pkg/activity"
	"showcase-sync-backend/pkg/collection"
	"showcase-sync-backend/pkg/config"
	"showcase-sync-backend/pkg/database"
	"showcase-sync-backend/pkg/handlers"
	"showcase-sync-backend/pkg/logger"
	customMiddleware "showcase-sync-backend/pkg/middleware"
	"showcase-sync-backend/pkg/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// runtime 冷启动时初始化一次，热调用之间复用
type runtime struct {
	log *slog.Logger
	hub *activity.Hub
}

var (
	rtOnce   sync.Once
	cachedRT *runtime
)

func getRuntime(cfg *config.Config) *runtime {
	rtOnce.Do(func() {
		log := logger.New(logger.Options{
			Format: cfg.LogFormat,
			Level:  logger.ParseLevel(cfg.LogLevel),
			File:   cfg.LogFile,
		})
		slog.SetDefault(log)

		hub := activity.NewHub(log, activity.DefaultBuffer)
		if cfg.AMQPURL != "" {
			forwarder, err := activity.DialForwarder(cfg.AMQPURL, cfg.AMQPExchange, log)
			if err != nil {
				// 转发是尽力而为的，连接失败时继续提供服务
				log.Warn("⚠️ Activity forwarding disabled", "error", err)
			} else {
				forwarder.Attach(hub)
				log.Info("📨 Forwarding activity to RabbitMQ", "exchange", cfg.AMQPExchange)
			}
		}
		cachedRT = &runtime{log: log, hub: hub}
	})
	return cachedRT
}

// Handler 是Vercel函数的入口点
// 这个函数实现了"单体路由模式"，将所有API端点集中在一个Chi路由器中管理
func Handler(w http.ResponseWriter, r *http.Request) {
	// 加载配置
	cfg := config.GetCached()

	// 验证配置
	if err := cfg.Validate(); err != nil {
		utils.WriteInternalServerErrorResponse(w, "Configuration error: "+err.Error())
		return
	}
	rt := getRuntime(cfg)

	// 存储由连接池管理，无需手动关闭
	db, err := database.GetDatabase(storeConfig(cfg, rt.log))
	if err != nil {
		rt.log.Error("❌ Store unavailable", "error", err)
		utils.WriteServiceUnavailableResponse(w, "Store unavailable")
		return
	}

	NewRouter(cfg, db, rt.hub, rt.log).ServeHTTP(w, r)
}

func storeConfig(cfg *config.Config, log *slog.Logger) database.DatabaseConfig {
	return database.DatabaseConfig{
		UseLocalDB:    cfg.UseLocalDB,
		LocalDataDir:  cfg.LocalDataDir,
		PostgresDSN:   cfg.PostgresDSN,
		SupabaseURL:   cfg.SupabaseURL,
		SupabaseKey:   cfg.SupabaseKey,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisDB:       cfg.RedisDB,
		AutoMigrate:   cfg.AutoMigrate,
		Debug:         cfg.Debug,
		Logger:        log,
	}
}

// NewRouter 组装中间件与路由；hub 可以为 nil
func NewRouter(cfg *config.Config, db database.CollectionStore, hub *activity.Hub, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	router := chi.NewRouter()
	setupMiddleware(router, cfg, log)
	setupRoutes(router, cfg, db, hub, log)
	return router
}

// setupMiddleware 设置全局中间件
func setupMiddleware(router *chi.Mux, cfg *config.Config, log *slog.Logger) {
	// 基础中间件
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.StripSlashes)
	router.Use(customMiddleware.Logger(cfg, log))
	router.Use(customMiddleware.Recovery(cfg, log))

	// CORS中间件
	router.Use(customMiddleware.CORS(cfg))

	// 超时中间件（Vercel函数有时间限制）
	router.Use(middleware.Timeout(25 * time.Second)) // 留5秒缓冲

	// 压缩中间件
	router.Use(middleware.Compress(5))

	// 开发环境额外中间件
	if cfg.IsDevelopment() {
		router.Use(middleware.Heartbeat("/ping"))
	}
}

// setupRoutes 设置所有API路由
func setupRoutes(router *chi.Mux, cfg *config.Config, db database.CollectionStore, hub *activity.Hub, log *slog.Logger) {
	jwtService := utils.NewJWTService(cfg.JWTSecret)
	authHandler := handlers.NewAuthHandler(cfg, db, jwtService, log)

	var publisher collection.Publisher
	if hub != nil {
		publisher = hub
	}
	collectionsHandler := handlers.NewCollectionsHandler(cfg, db, publisher, log)

	// 健康检查端点
	router.Get("/", authHandler.HealthCheck)

	// 存储连接池状态端点（调试用）
	if cfg.IsDevelopment() {
		router.Get("/debug/db-pool", func(w http.ResponseWriter, r *http.Request) {
			stats := database.GetConnectionStats()
			if hub != nil {
				stats["activity"] = map[string]interface{}{
					"subscribers": hub.Subscribers(),
					"dropped":     hub.Dropped(),
				}
			}
			utils.WriteSuccessResponse(w, stats)
		})
	}

	// API路由组
	router.Route("/api", func(r chi.Router) {
		// 公开路由（不需要认证）
		r.Route("/auth", func(r chi.Router) {
			r.Use(middleware.AllowContentType("application/json"))
			r.Post("/refresh", authHandler.RefreshToken)
		})

		// 需要认证的路由
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.AuthMiddleware(jwtService, log))
			handlers.RegisterCollectionRoutes(r, collectionsHandler)
		})
	})

	// 404处理
	router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteNotFoundResponse(w, fmt.Sprintf("Route not found: %s %s", r.Method, r.URL.Path))
	})

	// 405处理
	router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		utils.WriteErrorResponseWithCode(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
			fmt.Sprintf("Method %s not allowed for %s", r.Method, r.URL.Path), "")
	})
}
