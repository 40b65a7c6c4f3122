package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	core "github.com/mohammad-safakhou/deepreport/internal/agent/core"
	"github.com/mohammad-safakhou/deepreport/internal/store"
)

// schedulerStore is the slice of the store the scheduler needs.
type schedulerStore interface {
	runStore
	ListEnabledSchedules(ctx context.Context) ([]store.Schedule, error)
	TouchSchedule(ctx context.Context, id string, at time.Time) error
}

// Scheduler fires recurring research runs for stored schedules. A redis
// lock keeps multiple server instances from firing the same schedule.
type Scheduler struct {
	Store   schedulerStore
	Rdb     *redis.Client
	Orch    *core.Orchestrator
	Stop    chan struct{}
	Poll    time.Duration
	LockTTL time.Duration

	logger *log.Logger
}

func (s *Scheduler) Start() {
	if s.logger == nil {
		s.logger = log.New(log.Writer(), "[SCHED] ", log.LstdFlags)
	}
	if s.Poll <= 0 {
		s.Poll = 30 * time.Second
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 5 * time.Minute
	}
	ticker := time.NewTicker(s.Poll)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.ListEnabledSchedules(ctx)
	if err != nil {
		s.logger.Printf("list schedules: %v", err)
		return
	}
	for _, sc := range schedules {
		if !isDue(sc.Cron, sc.LastRunAt) {
			continue
		}
		if s.Rdb != nil {
			// lock expires on its own; TTL outlives the due window
			ok, err := s.Rdb.SetNX(ctx, "sched:lock:"+sc.ID, "1", s.LockTTL).Result()
			if err != nil || !ok {
				continue
			}
		}
		s.fire(ctx, sc)
	}
}

func (s *Scheduler) fire(ctx context.Context, sc store.Schedule) {
	runID, err := s.Orch.StartResearch(ctx, core.ResearchRequest{
		Query:  sc.Query,
		UserID: sc.UserID,
		Depth:  sc.Depth,
	})
	if err != nil {
		s.logger.Printf("schedule %s: start run: %v", sc.ID, err)
		return
	}
	if err := s.Store.CreateRun(ctx, runID, sc.UserID, sc.Query, string(core.RunExecuting)); err != nil {
		s.logger.Printf("schedule %s: record run: %v", sc.ID, err)
		_ = s.Orch.Cancel(runID)
		return
	}
	if err := s.Store.TouchSchedule(ctx, sc.ID, time.Now().UTC()); err != nil {
		s.logger.Printf("schedule %s: touch: %v", sc.ID, err)
	}
	go persistRunResult(s.Store, s.Orch, s.logger, runID)
}

// isDue determines if a schedule with cronSpec should run now based on the
// last fire time. Supports "@daily", "@hourly" and standard 5-field cron
// expressions.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			// invalid spec: fall back to @daily
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
