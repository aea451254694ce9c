// Package janitor purges soft-deleted task subtrees on a cron schedule.
package janitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"taskgrid/internal/engine"
)

const actorID = "janitor"

type Janitor struct {
	engine    engine.Engine
	olderThan time.Duration
	cron      *cron.Cron
	log       *logrus.Entry

	stopOnce sync.Once
}

// New registers a purge job on schedule (standard five-field cron). Rows
// soft-deleted more than olderThan ago are hard-deleted on every run.
func New(eng engine.Engine, schedule string, olderThan time.Duration) (*Janitor, error) {
	if olderThan <= 0 {
		return nil, fmt.Errorf("janitor: retention must be positive, got %s", olderThan)
	}
	log := logrus.WithField("component", "janitor")
	j := &Janitor{
		engine:    eng,
		olderThan: olderThan,
		log:       log,
		cron: cron.New(
			cron.WithParser(cron.NewParser(cron.Minute|cron.Hour|cron.Dom|cron.Month|cron.Dow|cron.Descriptor)),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(log))),
		),
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("janitor schedule %q: %w", schedule, err)
	}
	return j, nil
}

// RunOnce purges immediately and returns how many task subtrees went away.
func (j *Janitor) RunOnce(ctx context.Context) (int, error) {
	return j.engine.Purge(ctx, j.olderThan, actorID)
}

func (j *Janitor) run() {
	n, err := j.RunOnce(context.Background())
	if err != nil {
		j.log.WithError(err).WithField("purged", n).Error("scheduled purge failed")
		return
	}
	j.log.WithField("purged", n).Debug("scheduled purge done")
}

// Start runs the scheduler until ctx is cancelled or Stop is called.
func (j *Janitor) Start(ctx context.Context) {
	j.cron.Start()
	j.log.WithField("retention", j.olderThan).Info("janitor started")
	go func() {
		<-ctx.Done()
		j.Stop()
	}()
}

// Stop waits for a running purge to finish. Safe to call more than once.
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() {
		<-j.cron.Stop().Done()
		j.log.Info("janitor stopped")
	})
}
