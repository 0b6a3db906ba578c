package main

import (
	"log"

	"github.com/gin-gonic/gin"
	"github.com/pulselog/internal/config"
	"github.com/pulselog/internal/db"
	"github.com/pulselog/internal/handler"
	"github.com/pulselog/internal/router"
	"github.com/pulselog/internal/scheduler"
)

func main() {
	cfg := config.Load()
	gin.SetMode(cfg.GinMode)

	// 初始化数据库
	if err := db.Init(cfg.DatabasePath); err != nil {
		log.Fatalf("failed to initialize database: %v", err)
	}

	api := handler.NewAPI(db.DB, cfg)

	// 每日定时重建统计索引
	if cfg.RebuildEnabled {
		sched := scheduler.New(api.Aggregates(), cfg.RebuildSpec)
		if err := sched.Start(); err != nil {
			log.Fatalf("failed to start rebuild scheduler: %v", err)
		}
		defer sched.Stop()
	}

	// 设置并运行 Gin 服务器
	r := router.SetupRouter(api)
	if err := r.Run(cfg.ListenAddr); err != nil {
		log.Fatalf("failed to run server: %v", err)
	}
}
