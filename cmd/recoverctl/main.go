package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"github.com/juhinebhnani4/ldip/config"
	"github.com/juhinebhnani4/ldip/database"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/services"
	"github.com/juhinebhnani4/ldip/services/digitalocean"
	"github.com/juhinebhnani4/ldip/utils/cache"
)

// recoverctl is a standalone maintenance CLI: it inspects processing job
// state directly against the database, bypassing the HTTP API, and can
// trigger a sweep immediately instead of waiting for the next cron tick.
// Useful when a deploy's pipeline looks stuck and nobody wants to wait 60s.
func main() {
	sweep := flag.Bool("sweep", false, "run all four recovery sweepers once and exit")
	flag.Parse()

	store, err := database.StartGORM()
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer store.Close()

	if *sweep {
		runSweepOnce(store)
		return
	}

	printJobStatus(store)
}

func printJobStatus(store *database.GORMStore) {
	db := store.GetDB()

	var jobs []model.ProcessingJob
	if err := db.Order("created_at DESC").Limit(20).Find(&jobs).Error; err != nil {
		log.Fatalf("fetch jobs: %v", err)
	}

	fmt.Println("========================================")
	fmt.Println("PROCESSING JOBS STATUS")
	fmt.Println("========================================")

	if len(jobs) == 0 {
		fmt.Println("\nNo processing jobs found in database")
	}

	for _, job := range jobs {
		icon := "."
		switch job.Status {
		case model.JobStatusCompleted:
			icon = "OK"
		case model.JobStatusFailed:
			icon = "FAIL"
		case model.JobStatusProcessing:
			icon = "RUN"
		case model.JobStatusCancelled:
			icon = "STOP"
		case model.JobStatusSkipped:
			icon = "SKIP"
		}

		fmt.Printf("----------------------------------------\n")
		fmt.Printf("[%s] Job: %s\n", icon, job.ID)
		fmt.Printf("   Matter: %s   Type: %s\n", job.MatterID, job.JobType)
		fmt.Printf("   Status: %s   Stage: %s (%d/%d stages, %d%%)\n",
			job.Status, job.CurrentStage, job.CompletedStages, job.TotalStages, job.ProgressPct)
		fmt.Printf("   Retries: %d/%d\n", job.RetryCount, job.MaxRetries)
		fmt.Printf("   Created: %s\n", job.CreatedAt.Format("2006-01-02 15:04:05"))
		if job.HeartbeatAt != nil {
			fmt.Printf("   Last heartbeat: %s (%s ago)\n", job.HeartbeatAt.Format("2006-01-02 15:04:05"), time.Since(*job.HeartbeatAt).Round(time.Second))
		}
		if job.ErrorMessage != "" {
			fmt.Printf("   Error: %s\n", job.ErrorMessage)
		}
	}

	var active int64
	db.Model(&model.ProcessingJob{}).Where("status IN ?", []model.JobStatus{model.JobStatusQueued, model.JobStatusProcessing}).Count(&active)

	fmt.Println("\n========================================")
	fmt.Printf("ACTIVE JOBS: %d\n", active)
	fmt.Println("========================================")
}

func runSweepOnce(store *database.GORMStore) {
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	redisClient, err := cache.NewRedisCache(cfg.QUEUE_REDIS_URL)
	if err != nil {
		log.Fatalf("connect to redis: %v", err)
	}

	db := store.GetDB()
	jobs := services.NewJobStore(db, nil)
	documents := services.NewDocumentStore(db)
	chunks := services.NewOCRChunkStore(db)
	queue := services.NewTaskQueue(redisClient)

	spacesClient, err := digitalocean.NewSpacesClient(digitalocean.SpacesConfig{
		AccessKey: cfg.BLOB_ACCESS_KEY,
		SecretKey: cfg.BLOB_SECRET_KEY,
		Bucket:    cfg.BLOB_BUCKET,
		Region:    cfg.BLOB_REGION,
		Endpoint:  cfg.BLOB_ENDPOINT,
	})
	if err != nil {
		log.Fatalf("connect to blob storage: %v", err)
	}
	blob := external.NewSpacesBlob(spacesClient)

	sweepers := services.NewRecoverySweepers(db, jobs, documents, chunks, blob, queue, cfg)

	ctx := context.Background()
	fmt.Println("Running recover_stale_jobs...")
	r1 := sweepers.RecoverStaleJobs(ctx)
	fmt.Printf("  checked=%d acted=%d errors=%d\n", r1.Checked, r1.Acted, len(r1.Errors))

	fmt.Println("Running dispatch_stuck_queued_jobs...")
	r2 := sweepers.DispatchStuckQueuedJobs(ctx)
	fmt.Printf("  checked=%d acted=%d errors=%d\n", r2.Checked, r2.Acted, len(r2.Errors))

	fmt.Println("Running sync_stale_job_status...")
	r3 := sweepers.SyncStaleJobStatus(ctx)
	fmt.Printf("  checked=%d acted=%d errors=%d\n", r3.Checked, r3.Acted, len(r3.Errors))

	fmt.Println("Running cleanup_stale_chunks...")
	r4 := sweepers.CleanupStaleChunks(ctx)
	fmt.Printf("  checked=%d acted=%d errors=%d\n", r4.Checked, r4.Acted, len(r4.Errors))
}
