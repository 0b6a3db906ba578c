package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pulselog/internal/service"
)

type rawEventRequest struct {
	EventID        string  `json:"eventId"`
	SessionID      string  `json:"sessionId"`
	Fingerprint    string  `json:"fingerprint"`
	UserID         *string `json:"userId"`
	TargetType     string  `json:"targetType"`
	TargetID       string  `json:"targetId"`
	TargetTitle    string  `json:"targetTitle"`
	Section        string  `json:"section"`
	PageURL        string  `json:"pageUrl"`
	Referrer       string  `json:"referrer"`
	UTMSource      string  `json:"utmSource"`
	UTMMedium      string  `json:"utmMedium"`
	UTMCampaign    string  `json:"utmCampaign"`
	SequenceNumber int     `json:"sequenceNumber"`
	IsAdminActor   bool    `json:"isAdmin"`
	OccurredAt     string  `json:"occurredAt"`
}

// RecordEvent 接收一条原始交互事件，按 eventId 幂等。
func (a *API) RecordEvent(c *gin.Context) {
	var payload rawEventRequest
	if !bindJSON(c, &payload, "请提供完整的事件数据") {
		return
	}

	occurredAt, ok := parseTimeParam(payload.OccurredAt)
	if !ok {
		respondError(c, http.StatusBadRequest, "事件时间格式无效")
		return
	}

	event, created, err := a.ingest.RecordEvent(service.RawEventInput{
		EventID:            payload.EventID,
		SessionID:          payload.SessionID,
		VisitorFingerprint: payload.Fingerprint,
		UserID:             payload.UserID,
		TargetType:         payload.TargetType,
		TargetID:           payload.TargetID,
		TargetTitle:        payload.TargetTitle,
		Section:            payload.Section,
		PageURL:            payload.PageURL,
		Referrer:           payload.Referrer,
		UTMSource:          payload.UTMSource,
		UTMMedium:          payload.UTMMedium,
		UTMCampaign:        payload.UTMCampaign,
		SequenceNumber:     payload.SequenceNumber,
		IsAdminActor:       payload.IsAdminActor,
		OccurredAt:         occurredAt,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}

	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"eventId": event.EventID, "created": created})
}

type sessionStartRequest struct {
	SessionID    string  `json:"sessionId"`
	Fingerprint  string  `json:"fingerprint"`
	UserID       *string `json:"userId"`
	IsAdminActor bool    `json:"isAdmin"`
	EntryPage    string  `json:"entryPage"`
	Referrer     string  `json:"referrer"`
	UTMSource    string  `json:"utmSource"`
	UTMMedium    string  `json:"utmMedium"`
	UTMCampaign  string  `json:"utmCampaign"`
	StartedAt    string  `json:"startedAt"`
}

// StartSession 接收会话开始信号，重复信号按首条为准。
func (a *API) StartSession(c *gin.Context) {
	var payload sessionStartRequest
	if !bindJSON(c, &payload, "请提供完整的会话数据") {
		return
	}

	startedAt, ok := parseTimeParam(payload.StartedAt)
	if !ok {
		respondError(c, http.StatusBadRequest, "会话时间格式无效")
		return
	}

	session, err := a.ingest.StartSession(service.SessionInput{
		SessionID:          payload.SessionID,
		VisitorFingerprint: payload.Fingerprint,
		UserID:             payload.UserID,
		IsAdminActor:       payload.IsAdminActor,
		EntryPage:          payload.EntryPage,
		Referrer:           payload.Referrer,
		UTMSource:          payload.UTMSource,
		UTMMedium:          payload.UTMMedium,
		UTMCampaign:        payload.UTMCampaign,
		StartedAt:          startedAt,
	})
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"sessionId": session.SessionID})
}

type sessionEndRequest struct {
	ExitPage    string `json:"exitPage"`
	TotalClicks int    `json:"totalClicks"`
	EndedAt     string `json:"endedAt"`
}

// EndSession 接收会话结束信号并回填时长。
func (a *API) EndSession(c *gin.Context) {
	var payload sessionEndRequest
	if !bindJSON(c, &payload, "请提供完整的会话结束数据") {
		return
	}

	endedAt, ok := parseTimeParam(payload.EndedAt)
	if !ok {
		respondError(c, http.StatusBadRequest, "会话时间格式无效")
		return
	}

	session, err := a.ingest.EndSession(c.Param("id"), endedAt, payload.ExitPage, payload.TotalClicks)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sessionId":       session.SessionID,
		"durationSeconds": session.DurationSeconds,
	})
}

type recordViewRequest struct {
	TargetType  string  `json:"targetType"`
	TargetID    string  `json:"targetId"`
	UserID      *string `json:"userId"`
	Fingerprint string  `json:"fingerprint"`
}

// 旧埋点脚本仍按来源表上报类型，在入口处折算到规范枚举。
var legacyTargetTypes = map[string]string{
	"event":      "content-item",
	"schedule":   "content-item",
	"board_post": "post",
}

func normalizeTargetType(targetType string) string {
	if canonical, ok := legacyTargetTypes[targetType]; ok {
		return canonical
	}
	return targetType
}

// RecordView 为内容记录一次浏览，窗口内重复浏览返回 counted=false。
func (a *API) RecordView(c *gin.Context) {
	var payload recordViewRequest
	if !bindJSON(c, &payload, "请提供完整的浏览数据") {
		return
	}

	counted, err := a.views.RecordView(normalizeTargetType(payload.TargetType), payload.TargetID, payload.UserID, payload.Fingerprint, time.Now().UTC())
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"counted": counted})
}

type reconcileRequest struct {
	Fingerprint string `json:"fingerprint"`
	UserID      string `json:"userId"`
}

// ReconcileIdentity 将匿名指纹的历史活动归并到已认证用户。
func (a *API) ReconcileIdentity(c *gin.Context) {
	var payload reconcileRequest
	if !bindJSON(c, &payload, "请提供指纹与用户标识") {
		return
	}

	result, err := a.reconciler.Reconcile(payload.Fingerprint, payload.UserID)
	if err != nil {
		respondStoreError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"updatedEvents":   result.UpdatedEvents,
		"updatedSessions": result.UpdatedSessions,
		"mismatch":        result.Mismatch(),
	})
}
