package database

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	poolMaxAge      = 30 * time.Minute
	poolIdleTimeout = 10 * time.Minute
)

// storePool 存储连接池（单实例复用）
type storePool struct {
	instance CollectionStore
	config   DatabaseConfig
	mu       sync.RWMutex
	lastUsed time.Time
}

var (
	globalPool *storePool
	poolMutex  sync.Mutex

	// openStore is swapped in tests.
	openStore = NewDatabase
)

// GetDatabase 获取存储连接（单例模式 + 连接池）
func GetDatabase(config DatabaseConfig) (CollectionStore, error) {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	log := config.Logger
	if log == nil {
		log = slog.Default()
	}

	// 检查是否需要创建新的连接池
	if globalPool != nil && !shouldRecreateConnection(globalPool, config, log) {
		globalPool.mu.Lock()
		globalPool.lastUsed = time.Now()
		globalPool.mu.Unlock()

		log.Debug("♻️ Reusing existing store connection")
		return globalPool.instance, nil
	}

	log.Info("🔄 Creating new store connection")

	// 关闭旧连接（如果存在）
	if globalPool != nil && globalPool.instance != nil {
		globalPool.instance.Close()
		globalPool = nil
	}

	instance, err := openStore(config)
	if err != nil {
		return nil, err
	}
	globalPool = &storePool{
		instance: instance,
		config:   config,
		lastUsed: time.Now(),
	}
	return instance, nil
}

// shouldRecreateConnection 判断是否需要重新创建连接
func shouldRecreateConnection(pool *storePool, newConfig DatabaseConfig, log *slog.Logger) bool {
	if pool == nil || pool.instance == nil {
		return true
	}

	// 检查配置是否发生变化
	if !configEquals(pool.config, newConfig) {
		log.Info("🔄 Store configuration changed, recreating connection")
		return true
	}

	// 检查连接是否过期
	pool.mu.RLock()
	expired := time.Since(pool.lastUsed) > poolMaxAge
	pool.mu.RUnlock()

	if expired {
		log.Info("⏰ Store connection expired, recreating")
		return true
	}

	// 检查连接健康状态
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := pool.instance.HealthCheck(ctx); err != nil {
		log.Warn("❌ Store health check failed, recreating", "error", err)
		return true
	}

	return false
}

// configEquals 比较两个存储配置是否相等
func configEquals(a, b DatabaseConfig) bool {
	return a.UseLocalDB == b.UseLocalDB &&
		a.LocalDataDir == b.LocalDataDir &&
		a.PostgresDSN == b.PostgresDSN &&
		a.SupabaseURL == b.SupabaseURL &&
		a.SupabaseKey == b.SupabaseKey &&
		a.RedisAddr == b.RedisAddr &&
		a.RedisDB == b.RedisDB
}

// CleanupIdleConnections 清理空闲连接（可以在后台定期调用）
func CleanupIdleConnections() bool {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool == nil {
		return false
	}

	globalPool.mu.RLock()
	idle := time.Since(globalPool.lastUsed) > poolIdleTimeout
	globalPool.mu.RUnlock()

	if !idle {
		return false
	}
	if globalPool.instance != nil {
		globalPool.instance.Close()
	}
	globalPool = nil
	return true
}

// GetConnectionStats 获取连接池统计信息
func GetConnectionStats() map[string]interface{} {
	poolMutex.Lock()
	defer poolMutex.Unlock()

	if globalPool == nil {
		return map[string]interface{}{
			"status":    "no_connection",
			"last_used": nil,
		}
	}

	globalPool.mu.RLock()
	lastUsed := globalPool.lastUsed
	globalPool.mu.RUnlock()

	return map[string]interface{}{
		"status":    "connected",
		"last_used": lastUsed.Format(time.RFC3339),
		"age":       time.Since(lastUsed).String(),
		"config": map[string]interface{}{
			"use_local_db": globalPool.config.UseLocalDB,
			"has_postgres": globalPool.config.PostgresDSN != "",
			"has_supabase": globalPool.config.SupabaseURL != "",
			"has_redis":    globalPool.config.RedisAddr != "",
		},
	}
}

// resetPool drops the cached store without closing it. Tests only.
func resetPool() {
	poolMutex.Lock()
	defer poolMutex.Unlock()
	globalPool = nil
}
