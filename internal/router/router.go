package router

import (
	"github.com/gin-gonic/gin"
	"github.com/pulselog/internal/handler"
)

// SetupRouter 配置 Gin 引擎和路由
func SetupRouter(api *handler.API) *gin.Engine {
	r := gin.Default()

	r.GET("/healthz", api.HealthCheck)

	apiGroup := r.Group("/api")
	{
		// 采集接口：消费自客户端埋点层，按 eventId/sessionId 幂等
		apiGroup.POST("/events", api.RecordEvent)
		apiGroup.POST("/sessions", api.StartSession)
		apiGroup.POST("/sessions/:id/end", api.EndSession)
		apiGroup.POST("/views", api.RecordView)
		apiGroup.POST("/identity/reconcile", api.ReconcileIdentity)

		// 查询接口：面向仪表盘的只读入口
		stats := apiGroup.Group("/stats")
		{
			stats.GET("/summary", api.GetSummary)
			stats.GET("/monthly/:month", api.GetMonthlyRollup)
			stats.GET("/visits", api.GetVisitCount)
			stats.GET("/views", api.GetViewCounts)
		}

		// 外部调度器的按需触发入口
		apiGroup.POST("/admin/rebuild", api.TriggerRebuild)
	}

	return r
}
