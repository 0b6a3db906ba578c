package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/pulselog/internal/db"
	"gorm.io/gorm"
)

const defaultSummaryTTL = 10 * time.Minute

// QueryService 是面向仪表盘的唯一读取入口。
// 汇总查询经缓存命中或即时重算得出，结果与对同一区间的全量重算一致，
// 偏差不超过缓存 TTL 的陈旧窗口。
type QueryService struct {
	db       *gorm.DB
	visits   *VisitService
	cache    *StatsCache
	ttl      time.Duration
	topLimit int
}

// NewQueryService 构造 QueryService。
func NewQueryService(gdb *gorm.DB, visits *VisitService, cache *StatsCache) *QueryService {
	return &QueryService{
		db:       gdb,
		visits:   visits,
		cache:    cache,
		ttl:      defaultSummaryTTL,
		topLimit: 20,
	}
}

// WithTTL 调整缓存条目的存活时间。
func (s *QueryService) WithTTL(ttl time.Duration) *QueryService {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// WithTopLimit 调整榜单长度，与索引构建器保持一致。
func (s *QueryService) WithTopLimit(limit int) *QueryService {
	if limit > 0 {
		s.topLimit = limit
	}
	return s
}

// UserVisitStat 描述单个用户的去重访问数。
type UserVisitStat struct {
	UserID string `json:"userId"`
	Visits int64  `json:"visits"`
}

// Summary 汇总一段时间内的访问统计。
type Summary struct {
	From             time.Time       `json:"from"`
	To               time.Time       `json:"to"`
	TotalVisits      int64           `json:"totalVisits"`
	LoggedInVisits   int64           `json:"loggedInVisits"`
	AnonymousVisits  int64           `json:"anonymousVisits"`
	PerUserBreakdown []UserVisitStat `json:"perUserBreakdown"`
	SessionStats     SessionStats    `json:"sessionStats"`
}

// GetSummary 返回区间内的去重访问汇总，结果经缓存复用。
func (s *QueryService) GetSummary(from, to time.Time) (*Summary, error) {
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if !from.IsZero() && from.After(to) {
		return nil, fmt.Errorf("%w: invalid time range", ErrInvalidInput)
	}

	key := fmt.Sprintf("summary:%d:%d", from.Unix(), to.Unix())
	payload, err := s.cache.GetOrCompute(key, s.ttl, func() (interface{}, error) {
		return s.computeSummary(from, to)
	})
	if err != nil {
		return nil, err
	}

	var summary Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("decode cached summary: %w", err)
	}
	return &summary, nil
}

func (s *QueryService) computeSummary(from, to time.Time) (*Summary, error) {
	visits, err := s.visits.VisitCountsByVisitor(from, to)
	if err != nil {
		return nil, err
	}

	summary := Summary{From: from, To: to, PerUserBreakdown: []UserVisitStat{}}
	for identity, v := range visits {
		summary.TotalVisits += v.Visits
		if v.LoggedIn {
			summary.LoggedInVisits += v.Visits
			summary.PerUserBreakdown = append(summary.PerUserBreakdown, UserVisitStat{
				UserID: identity,
				Visits: v.Visits,
			})
		} else {
			summary.AnonymousVisits += v.Visits
		}
	}

	sort.Slice(summary.PerUserBreakdown, func(i, j int) bool {
		a, b := summary.PerUserBreakdown[i], summary.PerUserBreakdown[j]
		if a.Visits != b.Visits {
			return a.Visits > b.Visits
		}
		return a.UserID < b.UserID
	})

	stats, err := computeSessionStats(s.db, from, to)
	if err != nil {
		return nil, err
	}
	summary.SessionStats = stats

	return &summary, nil
}

// GetMonthlyRollup 返回某个月（YYYY-MM）的汇总文档。
// 优先读取物化索引，索引缺失时退化为即时计算。
func (s *QueryService) GetMonthlyRollup(month string) (*MonthlyRollup, error) {
	if _, err := time.Parse("2006-01", month); err != nil {
		return nil, fmt.Errorf("invalid month %q: %w", month, err)
	}

	key := "monthly:" + month
	payload, err := s.cache.GetOrCompute(key, s.ttl, func() (interface{}, error) {
		var record db.AggregateIndexRecord
		err := s.db.Where("metric_type = ? AND dimension_key = ?", MetricMonthlyRollup, month).
			First(&record).Error
		if err == nil {
			var rollup MonthlyRollup
			if decodeErr := json.Unmarshal(record.Payload, &rollup); decodeErr == nil {
				return &rollup, nil
			}
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("load monthly rollup: %w", err)
		}

		return computeMonthlyRollup(s.db, month, s.topLimit, time.Now().UTC())
	})
	if err != nil {
		return nil, err
	}

	var rollup MonthlyRollup
	if err := json.Unmarshal(payload, &rollup); err != nil {
		return nil, fmt.Errorf("decode cached rollup: %w", err)
	}
	return &rollup, nil
}

// CountDistinctVisits 对外暴露单访客的去重访问计数。
func (s *QueryService) CountDistinctVisits(identity string, from, to time.Time) (int64, error) {
	return s.visits.CountDistinctVisits(identity, from, to)
}
