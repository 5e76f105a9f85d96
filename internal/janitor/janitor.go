// Package janitor runs the periodic maintenance passes: stale-session
// pruning (with lock release), expired-lock sweeping, job lease
// reclaim, and rate limiter cleanup.
package janitor

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ashfox/meshgate/internal/auth"
	"github.com/ashfox/meshgate/internal/jobs"
	"github.com/ashfox/meshgate/internal/lock"
	"github.com/ashfox/meshgate/internal/logger"
	"github.com/ashfox/meshgate/internal/session"
)

// Cron specs for the maintenance entries (seconds field enabled).
const (
	sweepSpec   = "*/30 * * * * *"
	limiterSpec = "0 0 * * * *"
)

// Janitor owns the cron scheduler and the structures it maintains.
type Janitor struct {
	cron     *cron.Cron
	sessions *session.Store
	locks    *lock.Manager
	queue    *jobs.Queue
	limiter  *auth.RateLimiter
}

// New builds a janitor; any collaborator may be nil and its pass is
// skipped.
func New(sessions *session.Store, locks *lock.Manager, queue *jobs.Queue, limiter *auth.RateLimiter) *Janitor {
	return &Janitor{
		cron:     cron.New(cron.WithSeconds()),
		sessions: sessions,
		locks:    locks,
		queue:    queue,
		limiter:  limiter,
	}
}

// Start registers the entries and launches the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(sweepSpec, j.Sweep); err != nil {
		return err
	}
	if _, err := j.cron.AddFunc(limiterSpec, j.cleanupLimiter); err != nil {
		return err
	}
	j.cron.Start()
	logger.Info("janitor started")
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	logger.Info("janitor stopped")
}

// Sweep runs one maintenance pass. Sessions pruned for staleness give
// up any project locks they still own before the lock sweep runs.
func (j *Janitor) Sweep() {
	var pruned, released, swept, reclaimed int

	if j.sessions != nil {
		removed := j.sessions.PruneStale()
		pruned = len(removed)
		if j.locks != nil {
			for _, sess := range removed {
				released += j.locks.ReleaseByOwner(sess.AgentID, sess.ID)
			}
		}
	}
	if j.locks != nil {
		swept = j.locks.SweepExpired()
	}
	if j.queue != nil {
		reclaimed = j.queue.ReclaimExpired()
	}

	if pruned+released+swept+reclaimed > 0 {
		logger.Info("janitor sweep: %d session(s) pruned, %d lock(s) released, %d lock(s) expired, %d lease(s) reclaimed",
			pruned, released, swept, reclaimed)
	}
}

func (j *Janitor) cleanupLimiter() {
	if j.limiter != nil {
		j.limiter.Cleanup(time.Hour)
	}
}
