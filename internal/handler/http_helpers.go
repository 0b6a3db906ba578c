package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pulselog/internal/service"
)

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, gin.H{"error": message})
}

func bindJSON(c *gin.Context, dst interface{}, message string) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, http.StatusBadRequest, message)
		return false
	}
	return true
}

// respondStoreError 把服务层错误映射到 HTTP 状态码。
// 未识别的存储错误一律按可重试的暂时性故障返回 503，重试策略由调用方决定。
func respondStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrTargetNotFound), errors.Is(err, service.ErrSessionNotFound):
		respondError(c, http.StatusNotFound, "目标不存在")
	case errors.Is(err, service.ErrMissingFingerprint), errors.Is(err, service.ErrMissingVisitor):
		respondError(c, http.StatusBadRequest, "缺少访客标识")
	case errors.Is(err, service.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, "请求参数无效")
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "存储暂时不可用，请稍后重试",
			"retryable": true,
		})
	}
}

// parseTimeParam 解析 RFC3339 或 YYYY-MM-DD 两种客户端都在用的格式。
func parseTimeParam(raw string) (time.Time, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return time.Time{}, true
	}
	if parsed, err := time.Parse(time.RFC3339, trimmed); err == nil {
		return parsed, true
	}
	if parsed, err := time.Parse("2006-01-02", trimmed); err == nil {
		return parsed, true
	}
	return time.Time{}, false
}
