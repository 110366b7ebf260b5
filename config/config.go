package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// This function will Load the ENVIORNMENT VARIABLES from .env if GO_ENV variable is not set or is "development"
func LoadENV() error {
	goEnv := os.Getenv("GO_ENV")

	if goEnv == "" || goEnv == "development" {
		err := godotenv.Load()
		if err != nil {
			return err
		}
	}

	return nil
}

type EnviornmentVariable struct {
	// All variables
	GO_ENV       string
	DB_USER_NAME string
	DB_PASSWORD  string
	DB_NAME      string
	DB_HOST      string
	DB_PORT      string
	DB_SSL_MODE  string
	PORT         int
	// JWT Configuration
	JWT_SECRET string
	JWT_ISSUER string
	// Redis Configuration
	REDIS_URL      string
	REDIS_PASSWORD string
	REDIS_DB       string
	// DigitalOcean Configuration
	DIGITALOCEAN_TOKEN string
	MODEL_ACCESS_KEY   string

	// Extraction Retry Configuration
	EXTRACTION_MAX_RETRIES              int
	EXTRACTION_RETRY_DELAY_SECONDS      int
	EXTRACTION_RETRY_BACKOFF_MULTIPLIER float64
	EXTRACTION_MAX_BACKOFF_SECONDS      int
	EXTRACTION_CHUNK_TIMEOUT_SECONDS    int

	// Job State Configuration
	EXTRACTION_JOB_TTL_SUCCESS_HOURS int
	EXTRACTION_JOB_TTL_FAILURE_HOURS int

	// Recovery sweeper configuration
	JOB_STALE_TIMEOUT_MINUTES    int
	JOB_MAX_RECOVERY_RETRIES     int
	JOB_RECOVERY_ENABLED         bool
	STUCK_QUEUED_TIMEOUT_MINUTES int
	DRIFT_TIMEOUT_MINUTES        int
	CHUNK_RETENTION_HOURS        int

	// OCR chunking configuration
	PAGE_CHUNK_SIZE          int
	OCR_TIMEOUT_SOFT_MS      int
	OCR_TIMEOUT_HARD_MS      int
	OCR_MAX_CONCURRENT_CHUNKS int

	// Rate limiter configuration
	RATE_LIMIT_ENABLED  bool
	RATE_LIMIT_DEFAULT  int
	RATE_LIMIT_CRITICAL int

	// ETA estimator configuration
	ETA_WINDOW_SIZE                 int
	ETA_FALLBACK_SEC_PER_PAGE       float64
	ETA_MIN_HIGH_CONFIDENCE_SAMPLES int

	// Hot-store / external collaborator endpoints
	QUEUE_REDIS_URL     string
	CACHE_REDIS_URL     string
	BLOB_BUCKET         string
	BLOB_ENDPOINT       string
	BLOB_REGION         string
	BLOB_ACCESS_KEY     string
	BLOB_SECRET_KEY     string
	SEARCH_BASE_URL     string
	OCR_PROVIDER_URL    string
	LLM_PROVIDER_URL    string
	EMBEDDER_PROVIDER_URL string
}

func Get() (*EnviornmentVariable, error) {

	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil {
		port = 8080
	}

	// Database defaults
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}

	dbPort := os.Getenv("DB_PORT")
	if dbPort == "" {
		dbPort = "5432"
	}

	envVariables := &EnviornmentVariable{
		GO_ENV:       os.Getenv("GO_ENV"),
		DB_USER_NAME: os.Getenv("DB_USER_NAME"),
		DB_PASSWORD:  os.Getenv("DB_PASSWORD"),
		DB_NAME:      os.Getenv("DB_NAME"),
		DB_HOST:      dbHost,
		DB_PORT:      dbPort,
		DB_SSL_MODE:  os.Getenv("DB_SSL_MODE"),
		PORT:         port,
		// JWT
		JWT_SECRET: os.Getenv("JWT_SECRET"),
		JWT_ISSUER: os.Getenv("JWT_ISSUER"),
		// Redis
		REDIS_URL:      os.Getenv("REDIS_URL"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       os.Getenv("REDIS_DB"),
		// DigitalOcean
		DIGITALOCEAN_TOKEN: os.Getenv("DIGITALOCEAN_TOKEN"),
		MODEL_ACCESS_KEY:   os.Getenv("MODEL_ACCESS_KEY"),

		// Extraction Retry Configuration (with defaults)
		EXTRACTION_MAX_RETRIES:              getEnvInt("EXTRACTION_MAX_RETRIES", 3),
		EXTRACTION_RETRY_DELAY_SECONDS:      getEnvInt("EXTRACTION_RETRY_DELAY_SECONDS", 5),
		EXTRACTION_RETRY_BACKOFF_MULTIPLIER: getEnvFloat("EXTRACTION_RETRY_BACKOFF_MULTIPLIER", 1.5),
		EXTRACTION_MAX_BACKOFF_SECONDS:      getEnvInt("EXTRACTION_MAX_BACKOFF_SECONDS", 30),
		EXTRACTION_CHUNK_TIMEOUT_SECONDS:    getEnvInt("EXTRACTION_CHUNK_TIMEOUT_SECONDS", 180),

		// Job State Configuration (with defaults)
		EXTRACTION_JOB_TTL_SUCCESS_HOURS: getEnvInt("EXTRACTION_JOB_TTL_SUCCESS_HOURS", 1),
		EXTRACTION_JOB_TTL_FAILURE_HOURS: getEnvInt("EXTRACTION_JOB_TTL_FAILURE_HOURS", 24),

		// Recovery sweeper configuration (with defaults)
		JOB_STALE_TIMEOUT_MINUTES:    getEnvInt("job_stale_timeout_minutes", 30),
		JOB_MAX_RECOVERY_RETRIES:     getEnvInt("job_max_recovery_retries", 3),
		JOB_RECOVERY_ENABLED:         getEnvBool("job_recovery_enabled", true),
		STUCK_QUEUED_TIMEOUT_MINUTES: getEnvInt("stuck_queued_timeout_minutes", 10),
		DRIFT_TIMEOUT_MINUTES:        getEnvInt("drift_timeout_minutes", 30),
		CHUNK_RETENTION_HOURS:        getEnvInt("chunk_retention_hours", 24),

		// OCR chunking configuration (with defaults)
		PAGE_CHUNK_SIZE:           getEnvInt("page_chunk_size", 25),
		OCR_TIMEOUT_SOFT_MS:       getEnvInt("ocr_timeout_soft_ms", 25*60*1000),
		OCR_TIMEOUT_HARD_MS:       getEnvInt("ocr_timeout_hard_ms", 30*60*1000),
		OCR_MAX_CONCURRENT_CHUNKS: getEnvInt("ocr_max_concurrent_chunks", 10),

		// Rate limiter configuration (with defaults)
		RATE_LIMIT_ENABLED:  getEnvBool("rate_limit_enabled", true),
		RATE_LIMIT_DEFAULT:  getEnvInt("rate_limit_default", 100),
		RATE_LIMIT_CRITICAL: getEnvInt("rate_limit_critical", 30),

		// ETA estimator configuration (with defaults)
		ETA_WINDOW_SIZE:                 getEnvInt("eta_window_size", 100),
		ETA_FALLBACK_SEC_PER_PAGE:       getEnvFloat("eta_fallback_sec_per_page", 3.0),
		ETA_MIN_HIGH_CONFIDENCE_SAMPLES: getEnvInt("eta_min_high_confidence_samples", 10),

		// Hot-store / external collaborator endpoints
		QUEUE_REDIS_URL:       os.Getenv("queue_redis_url"),
		CACHE_REDIS_URL:       os.Getenv("cache_redis_url"),
		BLOB_BUCKET:           os.Getenv("blob_bucket"),
		BLOB_ENDPOINT:         os.Getenv("blob_endpoint"),
		BLOB_REGION:           os.Getenv("blob_region"),
		BLOB_ACCESS_KEY:       os.Getenv("blob_access_key"),
		BLOB_SECRET_KEY:       os.Getenv("blob_secret_key"),
		SEARCH_BASE_URL:       os.Getenv("search_base_url"),
		OCR_PROVIDER_URL:      os.Getenv("ocr_provider_url"),
		LLM_PROVIDER_URL:      os.Getenv("llm_provider_url"),
		EMBEDDER_PROVIDER_URL: os.Getenv("embedder_provider_url"),
	}

	return envVariables, nil
}

// getEnvBool returns a boolean environment variable or a default value.
// Accepts what strconv.ParseBool accepts: "1"/"0", "t"/"f", and
// "true"/"false" in lower, Title or UPPER case; anything else yields the
// default.
func getEnvBool(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	boolVal, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return boolVal
}

// getEnvInt returns an integer environment variable or a default value
func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	intVal, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return intVal
}

// getEnvFloat returns a float64 environment variable or a default value
func getEnvFloat(key string, defaultVal float64) float64 {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	floatVal, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return defaultVal
	}
	return floatVal
}
