package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/pulselog/internal/service"
	"github.com/robfig/cron/v3"
)

const rebuildTimeout = 10 * time.Minute

// Scheduler 按计划触发统计索引的全量重建。
// 重复触发是安全的：构建器内部的逐族单飞会跳过仍在进行中的族。
type Scheduler struct {
	cron       *cron.Cron
	aggregates *service.AggregateService
	spec       string
}

// New 构造 Scheduler，spec 为标准 cron 表达式。
func New(aggregates *service.AggregateService, spec string) *Scheduler {
	return &Scheduler{
		cron:       cron.New(),
		aggregates: aggregates,
		spec:       spec,
	}
}

// Start 注册每日重建任务并启动调度。
func (s *Scheduler) Start() error {
	_, err := s.cron.AddFunc(s.spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), rebuildTimeout)
		defer cancel()

		report, err := s.aggregates.Rebuild(ctx)
		if err != nil {
			log.Printf("[scheduler] rebuild cancelled: %v (rebuilt %v)", err, report.Rebuilt)
			return
		}
		if len(report.Failed) > 0 {
			log.Printf("[scheduler] rebuild finished with failures: %v", report.Failed)
		}
		log.Printf("[scheduler] rebuild wrote %d records in %s", report.RecordsWritten, report.Duration)
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	return nil
}

// Stop 停止调度，等待进行中的任务自行结束。
func (s *Scheduler) Stop() {
	s.cron.Stop()
}
