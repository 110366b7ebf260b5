package cron

import (
	"context"
	"log"
	"time"

	"github.com/juhinebhnani4/ldip/services"
	"github.com/robfig/cron/v3"
)

// CronManager schedules the recovery sweepers that mend job/document state
// drift the pipeline's normal success/failure paths can't see on their
// own: a worker that died mid-stage, a task the queue silently dropped, a
// job row left behind reality by a stage that ran standalone, and OCR
// chunk artifacts nobody will ever read again.
type CronManager struct {
	cron     *cron.Cron
	sweepers *services.RecoverySweepers
}

// NewCronManager wires a cron manager against the recovery sweeper suite.
func NewCronManager(sweepers *services.RecoverySweepers) *CronManager {
	c := cron.New(cron.WithSeconds())
	return &CronManager{cron: c, sweepers: sweepers}
}

// Start registers and starts all scheduled sweeps.
func (m *CronManager) Start() error {
	log.Println("[CRON] starting recovery sweepers...")
	if err := m.registerJobs(); err != nil {
		return err
	}
	m.cron.Start()
	log.Println("[CRON] recovery sweepers started")
	return nil
}

// Stop drains any in-flight sweep and stops the scheduler.
func (m *CronManager) Stop() {
	log.Println("[CRON] stopping recovery sweepers...")
	ctx := m.cron.Stop()
	<-ctx.Done()
	log.Println("[CRON] recovery sweepers stopped")
}

// registerJobs wires the four sweepers to their schedules. The three
// job/document state sweepers run every 60s per spec; chunk GC runs
// hourly since its retention window defaults to 24h and a tighter cadence
// buys nothing.
func (m *CronManager) registerJobs() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) services.SweepSummary
	}{
		{"recover_stale_jobs", "0 * * * * *", m.sweepers.RecoverStaleJobs},
		{"dispatch_stuck_queued_jobs", "0 * * * * *", m.sweepers.DispatchStuckQueuedJobs},
		{"sync_stale_job_status", "0 * * * * *", m.sweepers.SyncStaleJobStatus},
		{"cleanup_stale_chunks", "0 0 * * * *", m.sweepers.CleanupStaleChunks},
	}

	for _, j := range jobs {
		j := j
		if _, err := m.cron.AddFunc(j.schedule, func() {
			started := time.Now()
			summary := j.run(context.Background())
			log.Printf("[CRON] %s: checked=%d acted=%d errors=%d duration=%s",
				j.name, summary.Checked, summary.Acted, len(summary.Errors), time.Since(started))
		}); err != nil {
			return err
		}
	}

	log.Println("[CRON] all recovery sweepers registered")
	return nil
}
