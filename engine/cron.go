package engine

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

// Job is one periodic maintenance task.
type Job struct {
	Name  string
	Every time.Duration
	Fn    func(ctx context.Context) error

	lastRun time.Time
}

// Cron scans jobs for due times. It runs on the engine's tick task; jobs
// must not block past their share of a tick.
type Cron struct {
	jobs []*Job
}

// Add schedules a job. The first due time is one full period after Add.
func (c *Cron) Add(name string, every time.Duration, fn func(context.Context) error) {
	c.jobs = append(c.jobs, &Job{Name: name, Every: every, Fn: fn, lastRun: time.Now()})
}

// RunDue executes every job whose period has elapsed at |now|. A failing job
// logs and stays scheduled; its next due time still advances.
func (c *Cron) RunDue(ctx context.Context, now time.Time) {
	for _, j := range c.jobs {
		if now.Sub(j.lastRun) < j.Every {
			continue
		}
		j.lastRun = now
		if err := j.Fn(ctx); err != nil {
			log.WithFields(log.Fields{"job": j.Name, "err": err}).Warn("cron job failed")
			continue
		}
		log.WithField("job", j.Name).Debug("cron job ran")
	}
}
