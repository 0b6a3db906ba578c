package handler

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// GetSummary 返回区间访问汇总。
func (a *API) GetSummary(c *gin.Context) {
	from, ok := parseTimeParam(c.Query("from"))
	if !ok {
		respondError(c, http.StatusBadRequest, "起始时间格式无效")
		return
	}
	to, ok := parseTimeParam(c.Query("to"))
	if !ok {
		respondError(c, http.StatusBadRequest, "结束时间格式无效")
		return
	}

	summary, err := a.queries.GetSummary(from, to)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, summary)
}

// GetMonthlyRollup 返回某个月的汇总文档。
func (a *API) GetMonthlyRollup(c *gin.Context) {
	month := strings.TrimSpace(c.Param("month"))
	if _, err := time.Parse("2006-01", month); err != nil {
		respondError(c, http.StatusBadRequest, "月份格式无效，应为 YYYY-MM")
		return
	}

	rollup, err := a.queries.GetMonthlyRollup(month)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, rollup)
}

// GetVisitCount 返回单个访客身份在区间内的去重访问数。
func (a *API) GetVisitCount(c *gin.Context) {
	identity := strings.TrimSpace(c.Query("identity"))
	if identity == "" {
		respondError(c, http.StatusBadRequest, "请提供访客标识")
		return
	}

	from, ok := parseTimeParam(c.Query("from"))
	if !ok {
		respondError(c, http.StatusBadRequest, "起始时间格式无效")
		return
	}
	to, ok := parseTimeParam(c.Query("to"))
	if !ok {
		respondError(c, http.StatusBadRequest, "结束时间格式无效")
		return
	}

	visits, err := a.queries.CountDistinctVisits(identity, from, to)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"identity": identity, "visits": visits})
}

// GetViewCounts 批量返回指定内容的浏览计数。
func (a *API) GetViewCounts(c *gin.Context) {
	targetType := strings.TrimSpace(c.Query("targetType"))
	ids := c.QueryArray("id")
	if targetType == "" || len(ids) == 0 {
		respondError(c, http.StatusBadRequest, "请提供内容类型与编号")
		return
	}

	counters, err := a.views.CounterMap(normalizeTargetType(targetType), ids)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	counts := make(map[string]uint64, len(counters))
	for id, counter := range counters {
		counts[id] = counter.ViewCount
	}

	c.JSON(http.StatusOK, gin.H{"targetType": targetType, "counts": counts})
}
