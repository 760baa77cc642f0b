package worker

import (
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/CiteDrop/internal/queue"
)

// Default cron specs for the periodic runs.
const (
	DefaultBatchSpec   = "@monthly"
	DefaultArchiveSpec = "@weekly"
	DefaultNoticeSpec  = "@every 5m"
)

// Schedule holds the cron specs. An empty spec disables that run.
type Schedule struct {
	Batch   string
	Archive string
	Notices string
}

// Registrar is the part of *asynq.Scheduler used here.
type Registrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
}

// Register adds the periodic tasks to r and returns their entry ids.
func Register(r Registrar, s Schedule) ([]string, error) {
	entries := []struct {
		spec     string
		typename string
	}{
		{s.Batch, queue.BatchTask},
		{s.Archive, queue.ArchiveTask},
		{s.Notices, queue.NoticeTask},
	}
	var ids []string
	for _, e := range entries {
		if e.spec == "" {
			continue
		}
		id, err := r.Register(e.spec, queue.NewRunTask(e.typename), asynq.MaxRetry(0))
		if err != nil {
			return ids, fmt.Errorf("register %s (%s): %w", e.typename, e.spec, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
