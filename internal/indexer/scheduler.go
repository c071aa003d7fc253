package indexer

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	entry *logrus.Entry
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.entry.WithError(err).WithFields(kvFields(keysAndValues)).Error(msg)
}

func kvFields(kv []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}

func every(d time.Duration) string {
	if d < time.Second {
		d = time.Second
	}
	return "@every " + d.String()
}

// Start schedules the indexer, the reconciler and the session sweep. Jobs
// that are still running when their next tick fires are skipped. The
// returned stop function waits for running jobs to finish.
func (ix *Indexer) Start(ctx context.Context) (stop func(), err error) {
	logger := cronLogger{entry: ix.logger.WithField("component", "indexer")}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	jobs := []struct {
		name     string
		interval time.Duration
		run      func(context.Context) error
	}{
		{"sync", ix.cfg.Interval, func(ctx context.Context) error {
			_, err := ix.SyncOnce(ctx)
			return err
		}},
		{"reconcile", ix.cfg.ReconcileInterval, func(ctx context.Context) error {
			_, err := ix.ReconcileOnce(ctx)
			return err
		}},
		{"sessions", time.Hour, func(ctx context.Context) error {
			_, err := ix.SweepSessions(ctx)
			return err
		}},
	}

	for _, job := range jobs {
		job := job
		_, err := c.AddFunc(every(job.interval), func() {
			if ctx.Err() != nil {
				return
			}
			if err := job.run(ctx); err != nil {
				ix.logger.WithContext(ctx).WithError(err).WithField("job", job.name).Warn("indexer job failed")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("schedule %s: %w", job.name, err)
		}
	}

	c.Start()
	ix.logger.WithFields(map[string]interface{}{
		"interval":           ix.cfg.Interval.String(),
		"reconcile_interval": ix.cfg.ReconcileInterval.String(),
		"confirmations":      ix.cfg.Confirmations,
	}).Info("indexer started")

	return func() {
		<-c.Stop().Done()
	}, nil
}
