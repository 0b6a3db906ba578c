package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig 汇总运行服务所需的基础配置。
type AppConfig struct {
	ListenAddr      string
	Port            string
	DatabasePath    string
	GinMode         string
	VisitWindow     time.Duration
	CacheTTL        time.Duration
	TopContentLimit int
	RebuildSpec     string
	RebuildEnabled  bool
}

// Load 从环境变量读取应用配置，并为缺失项提供安全的默认值。
// 本地开发时支持通过 .env 文件注入环境变量。
func Load() AppConfig {
	_ = godotenv.Load()

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	listenAddr := strings.TrimSpace(os.Getenv("LISTEN_ADDR"))
	if listenAddr == "" {
		listenAddr = fmt.Sprintf(":%s", port)
	}

	databasePath := strings.TrimSpace(os.Getenv("DATABASE_PATH"))
	if databasePath == "" {
		databasePath = "pulselog.db"
	}

	ginMode := strings.TrimSpace(os.Getenv("GIN_MODE"))
	if ginMode == "" {
		ginMode = "release"
	}

	// 访问去重窗口：源系统采用 6 小时的经验值，保持默认但允许覆盖。
	visitWindow := parseDuration(os.Getenv("VISIT_WINDOW"), 6*time.Hour)
	cacheTTL := parseDuration(os.Getenv("CACHE_TTL"), 10*time.Minute)

	topContentLimit := parseInt(os.Getenv("TOP_CONTENT_LIMIT"), 20)

	rebuildSpec := strings.TrimSpace(os.Getenv("REBUILD_CRON"))
	if rebuildSpec == "" {
		rebuildSpec = "30 4 * * *"
	}

	rebuildEnabled := true
	if raw := strings.TrimSpace(os.Getenv("REBUILD_ENABLED")); raw != "" {
		if parsed, err := strconv.ParseBool(raw); err == nil {
			rebuildEnabled = parsed
		}
	}

	return AppConfig{
		ListenAddr:      listenAddr,
		Port:            port,
		DatabasePath:    databasePath,
		GinMode:         ginMode,
		VisitWindow:     visitWindow,
		CacheTTL:        cacheTTL,
		TopContentLimit: topContentLimit,
		RebuildSpec:     rebuildSpec,
		RebuildEnabled:  rebuildEnabled,
	}
}

func parseDuration(raw string, fallback time.Duration) time.Duration {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseInt(raw string, fallback int) int {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}
