package app

import (
	"fmt"
	"os"

	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/juhinebhnani4/ldip/api"
	"github.com/juhinebhnani4/ldip/config"
	"github.com/juhinebhnani4/ldip/external"
	"github.com/juhinebhnani4/ldip/model"
	"github.com/juhinebhnani4/ldip/router"
	"github.com/juhinebhnani4/ldip/services"
	"github.com/juhinebhnani4/ldip/services/cron"
	"github.com/juhinebhnani4/ldip/services/digitalocean"
	"github.com/juhinebhnani4/ldip/utils/cache"

	"github.com/juhinebhnani4/ldip/database"
)

func SetupAndRunServer() error {

	// Load ENV
	if err := config.LoadENV(); err != nil {
		return err

	}

	getEnv, err := config.Get()
	if err != nil {
		return err
	}

	// Initialize GORM database connection
	store, err := database.StartGORM()
	if err != nil {
		print("Check whether the Postgres is running or not\n")
		print("If not running, run the following command:\n")
		print("  make docker-up   (for Docker setup)\n")
		print("  make db-up       (for local PostgreSQL)\n")
		return err
	}

	if err := store.Init(); err != nil {
		print("Failed to initialize database tables\n")
		print("Error running migrations:\n")
		return err
	}

	queueRedisURL := getEnv.QUEUE_REDIS_URL
	if queueRedisURL == "" {
		queueRedisURL = getEnv.REDIS_URL
	}
	queueRedis, err := cache.NewRedisCache(queueRedisURL)
	if err != nil {
		return fmt.Errorf("connect to task queue redis: %w", err)
	}

	cacheRedisURL := getEnv.CACHE_REDIS_URL
	if cacheRedisURL == "" {
		cacheRedisURL = getEnv.REDIS_URL
	}
	cacheRedis, err := cache.NewRedisCache(cacheRedisURL)
	if err != nil {
		return fmt.Errorf("connect to query cache redis: %w", err)
	}

	db := store.GetDB()
	broadcaster := external.NewRedisBroadcaster(cacheRedis)
	jobs := services.NewJobStore(db, broadcaster)
	documents := services.NewDocumentStore(db)
	chunks := services.NewOCRChunkStore(db)
	taskQueue := services.NewTaskQueue(queueRedis)
	queryCache := services.NewQueryCache(cacheRedis)
	tracker := services.NewPartialProgressTracker(jobs)
	rateLimiter := services.NewRateLimiter(cacheRedis, getEnv.RATE_LIMIT_ENABLED, map[model.RateLimitTier]int{
		model.TierCritical: getEnv.RATE_LIMIT_CRITICAL,
		model.TierStandard: getEnv.RATE_LIMIT_DEFAULT,
	})

	spacesClient, err := digitalocean.NewSpacesClient(digitalocean.SpacesConfig{
		AccessKey: getEnv.BLOB_ACCESS_KEY,
		SecretKey: getEnv.BLOB_SECRET_KEY,
		Bucket:    getEnv.BLOB_BUCKET,
		Region:    getEnv.BLOB_REGION,
		Endpoint:  getEnv.BLOB_ENDPOINT,
	})
	if err != nil {
		return fmt.Errorf("connect to blob storage: %w", err)
	}
	blob := external.NewSpacesBlob(spacesClient)

	ocrClient := external.NewHTTPOCRClient(getEnv.OCR_PROVIDER_URL)
	embedder := external.NewHTTPEmbedder(getEnv.EMBEDDER_PROVIDER_URL, getEnv.MODEL_ACCESS_KEY, "")
	searchHost, searchPort := external.ParseHostPort(getEnv.SEARCH_BASE_URL, 8000)
	searchClient := external.NewChromaSearch(external.ChromaSearchConfig{Host: searchHost, Port: searchPort})
	inferenceClient := digitalocean.NewInferenceClient(digitalocean.InferenceConfig{APIKey: getEnv.DIGITALOCEAN_TOKEN})
	llm := external.NewInferenceLLM(inferenceClient)

	chunkCoordinator := services.NewOCRChunkCoordinator(chunks, jobs, documents, blob, ocrClient, taskQueue, getEnv)

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
	etaEstimator := services.NewETAEstimator(cacheRedis, getEnv, func() int { return getEnv.OCR_MAX_CONCURRENT_CHUNKS })
	orchestrator := services.NewPipelineOrchestrator(jobs, documents, taskQueue, executor, chunkCoordinator, queryCache, etaEstimator)

	pageCounter := services.NewPDFPageCounter()
	sweepers := services.NewRecoverySweepers(db, jobs, documents, chunks, blob, taskQueue, getEnv)

	// Initialize Cron Manager (only if enabled via environment variable)
	var cronManager *cron.CronManager
	if os.Getenv("CRON_ENABLED") != "false" { // Default to enabled
		cronManager = cron.NewCronManager(sweepers)
		if err := cronManager.Start(); err != nil {
			print("Warning: Failed to start cron jobs\n")
			print("Error: ", err.Error(), "\n")
			// Don't fail the app, just log the warning
		}
	}

	// Defer Closing DB and stopping cron jobs
	defer func() {
		if cronManager != nil {
			cronManager.Stop()
		}
		store.Close()
	}()

	// Init API
	var server *api.APIServer = api.NewAPIServer(fmt.Sprintf(":%d", getEnv.PORT))
	app := server.GetEngine()

	// Attach Middleware
	// Custom Logger
	app.Use(logger.New())

	app.Use(recover.New())

	// Setup Routes
	router.SetupRoutes(app, router.Dependencies{
		Store:        store,
		Jobs:         jobs,
		Documents:    documents,
		Blob:         blob,
		PageCounter:  pageCounter,
		Queue:        taskQueue,
		Broadcaster:  broadcaster,
		Orchestrator: orchestrator,
		Tracker:      tracker,
		Sweepers:     sweepers,
		RateLimiter:  rateLimiter,
		Cache:        queryCache,
	})

	// Attach Swagger

	// Get the PORT & Start the Server
	return server.Run()

}
