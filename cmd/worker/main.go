package main

import (
	"context"
	"encoding/json"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/juhinebhnani4/ldip/config"
	"github.com/juhinebhnani4/ldip/database"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/services"
	"github.com/juhinebhnani4/ldip/services/digitalocean"
	"github.com/juhinebhnani4/ldip/utils/cache"
)

// popTimeout bounds how long a worker blocks on an empty queue before
// re-checking the shutdown signal.
const popTimeout = 5 * time.Second

// worker pops process_document, stage_task and ocr_chunk tasks off the
// durable queue and runs them through the pipeline orchestrator / chunk
// coordinator. The API
// process only ever pushes onto the queue; this is the only process that
// pops, so an API restart never drops in-flight work.
type worker struct {
	id           string
	queue        *services.TaskQueue
	orchestrator *services.PipelineOrchestrator
	chunks       *services.OCRChunkCoordinator
	documents    *services.DocumentStore
	stageSem     *semaphore.Weighted
	chunkSem     *semaphore.Weighted
}

func main() {
	if err := config.LoadENV(); err != nil {
		log.Fatalf("load env: %v", err)
	}
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	store, err := database.StartGORM()
	if err != nil {
		log.Fatalf("connect to database: %v", err)
	}
	defer store.Close()

	queueRedisURL := cfg.QUEUE_REDIS_URL
	if queueRedisURL == "" {
		queueRedisURL = cfg.REDIS_URL
	}
	queueRedis, err := cache.NewRedisCache(queueRedisURL)
	if err != nil {
		log.Fatalf("connect to task queue redis: %v", err)
	}

	cacheRedisURL := cfg.CACHE_REDIS_URL
	if cacheRedisURL == "" {
		cacheRedisURL = cfg.REDIS_URL
	}
	cacheRedis, err := cache.NewRedisCache(cacheRedisURL)
	if err != nil {
		log.Fatalf("connect to query cache redis: %v", err)
	}

	db := store.GetDB()
	broadcaster := external.NewRedisBroadcaster(cacheRedis)
	jobs := services.NewJobStore(db, broadcaster)
	documents := services.NewDocumentStore(db)
	chunks := services.NewOCRChunkStore(db)
	taskQueue := services.NewTaskQueue(queueRedis)
	queryCache := services.NewQueryCache(cacheRedis)
	tracker := services.NewPartialProgressTracker(jobs)

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

	ocrClient := external.NewHTTPOCRClient(cfg.OCR_PROVIDER_URL)
	embedder := external.NewHTTPEmbedder(cfg.EMBEDDER_PROVIDER_URL, cfg.MODEL_ACCESS_KEY, "")
	inferenceClient := digitalocean.NewInferenceClient(digitalocean.InferenceConfig{APIKey: cfg.DIGITALOCEAN_TOKEN})
	llm := external.NewInferenceLLM(inferenceClient)
	searchHost, searchPort := external.ParseHostPort(cfg.SEARCH_BASE_URL, 8000)
	searchClient := external.NewChromaSearch(external.ChromaSearchConfig{Host: searchHost, Port: searchPort})

	chunkCoordinator := services.NewOCRChunkCoordinator(chunks, jobs, documents, blob, ocrClient, taskQueue, cfg)

	stageHandlers := map[string]services.StageHandler{
		"ocr":               services.NewOCRStageHandler(documents, blob, ocrClient),
		"validation":        services.NewValidationStageHandler(blob),
		"chunking":          services.NewChunkingStageHandler(blob, jobs),
		"embedding":         services.NewEmbeddingStageHandler(blob, embedder, searchClient),
		"entity_extraction": services.NewEntityExtractionStageHandler(blob, llm, jobs),
		"alias_resolution":  services.NewAliasResolutionStageHandler(llm, jobs),
		"timeline":          services.NewTimelineStageHandler(blob, llm, jobs),
	}
	executor := services.NewStageExecutor(jobs, tracker, stageHandlers)
	etaEstimator := services.NewETAEstimator(cacheRedis, cfg, nil)
	orchestrator := services.NewPipelineOrchestrator(jobs, documents, taskQueue, executor, chunkCoordinator, queryCache, etaEstimator)

	concurrency := int64(cfg.OCR_MAX_CONCURRENT_CHUNKS)
	if concurrency <= 0 {
		concurrency = 10
	}

	w := &worker{
		id:           "worker-" + uuid.NewString(),
		queue:        taskQueue,
		orchestrator: orchestrator,
		chunks:       chunkCoordinator,
		documents:    documents,
		stageSem:     semaphore.NewWeighted(concurrency),
		chunkSem:     semaphore.NewWeighted(concurrency),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Printf("[WORKER %s] starting, concurrency=%d", w.id, concurrency)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.pullStageTasks(gctx) })
	group.Go(func() error { return w.pullChunkTasks(gctx) })
	group.Go(func() error { return w.pullProcessDocumentTasks(gctx) })

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Printf("[WORKER %s] stopped with error: %v", w.id, err)
	}
	log.Printf("[WORKER %s] shut down", w.id)
}

// pullStageTasks repeatedly pops stage_task envelopes and runs each through
// the pipeline orchestrator, bounded by stageSem so a burst of dispatches
// doesn't overrun the worker's external-call capacity.
func (w *worker) pullStageTasks(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		task, err := w.queue.Pop(ctx, services.TaskStage, popTimeout)
		if err == services.ErrQueueEmpty {
			continue
		}
		if err != nil {
			log.Printf("[WORKER %s] pop stage task: %v", w.id, err)
			continue
		}

		var payload services.StageTaskPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			log.Printf("[WORKER %s] decode stage payload: %v", w.id, err)
			continue
		}

		if err := w.stageSem.Acquire(ctx, 1); err != nil {
			return nil
		}
		go func() {
			defer w.stageSem.Release(1)
			if err := w.orchestrator.RunNextStage(context.Background(), payload); err != nil {
				log.Printf("[WORKER %s] run stage %s for job %s: %v", w.id, payload.StageName, payload.JobID, err)
			}
		}()
	}
}

// pullProcessDocumentTasks repeatedly pops process_document envelopes, the
// pipeline orchestrator's entry task, and starts the job for the document's
// matter. Unlike stage and chunk tasks this one runs unbounded: it only
// dispatches the first stage and returns, it never runs stage work itself.
func (w *worker) pullProcessDocumentTasks(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		task, err := w.queue.Pop(ctx, services.TaskProcessDocument, popTimeout)
		if err == services.ErrQueueEmpty {
			continue
		}
		if err != nil {
			log.Printf("[WORKER %s] pop process_document task: %v", w.id, err)
			continue
		}

		var payload services.ProcessDocumentPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			log.Printf("[WORKER %s] decode process_document payload: %v", w.id, err)
			continue
		}

		doc, err := w.documents.GetUnscoped(context.Background(), payload.DocumentID)
		if err != nil {
			log.Printf("[WORKER %s] look up document %s: %v", w.id, payload.DocumentID, err)
			continue
		}

		if _, err := w.orchestrator.Start(context.Background(), model.MatterID(doc.MatterID), doc.ID, false); err != nil {
			log.Printf("[WORKER %s] start pipeline for document %s: %v", w.id, doc.ID, err)
		}
	}
}

// pullChunkTasks repeatedly pops ocr_chunk envelopes and runs each through
// the chunk coordinator, bounded by chunkSem.
func (w *worker) pullChunkTasks(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		task, err := w.queue.Pop(ctx, services.TaskOCRChunk, popTimeout)
		if err == services.ErrQueueEmpty {
			continue
		}
		if err != nil {
			log.Printf("[WORKER %s] pop chunk task: %v", w.id, err)
			continue
		}

		var payload services.OCRChunkPayload
		if err := json.Unmarshal(task.Payload, &payload); err != nil {
			log.Printf("[WORKER %s] decode chunk payload: %v", w.id, err)
			continue
		}

		if err := w.chunkSem.Acquire(ctx, 1); err != nil {
			return nil
		}
		go func() {
			defer w.chunkSem.Release(1)
			if err := w.chunks.ProcessChunk(context.Background(), payload.ChunkID, w.id); err != nil {
				log.Printf("[WORKER %s] process chunk %d: %v", w.id, payload.ChunkID, err)
			}
		}()
	}
}

