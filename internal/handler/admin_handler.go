package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type rebuildRequest struct {
	Families []string `json:"families"`
}

// TriggerRebuild 按需触发统计索引重建，不指定指标族时重建全部。
// 族内单飞保护使重复触发是安全的；逐族失败记录在返回的报告中。
func (a *API) TriggerRebuild(c *gin.Context) {
	var payload rebuildRequest
	if c.Request.ContentLength > 0 {
		if !bindJSON(c, &payload, "请求体格式无效") {
			return
		}
	}

	report, err := a.aggregates.Rebuild(c.Request.Context(), payload.Families...)
	if err != nil {
		// 协作取消：把已完成的部分一并返回
		c.JSON(http.StatusAccepted, report)
		return
	}

	c.JSON(http.StatusOK, report)
}
