package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config collects every tunable for both services. Values come from the
// environment; defaults match a single-host dev deployment.
type Config struct {
	// Database
	DatabaseURL string

	// Object store
	MinioEndpoint         string
	MinioAccessKey        string
	MinioSecretKey        string
	MinioBucket           string
	MinioUseSSL           bool
	MinioExternalEndpoint string
	MinioExternalScheme   string
	PresignValidity       time.Duration

	// Sessions
	SessionSecret string
	SessionTTL    time.Duration

	// Admin seed
	AdminUsername string
	AdminPassword string

	// Redis (blacklist + rate limiting)
	RedisAddr string

	// API -> bridge webhook
	BridgeURL      string
	WebhookTimeout time.Duration

	// Optional NATS fan-out for indexing events
	NATSURL string

	// Indexing pipeline
	FrameIntervalSec  float64
	FrameBatchSize    int
	EmbedDimVision    int
	EmbedDimText      int
	VisionModelName   string
	TextModelName     string
	WhisperModel      string
	ModelDevice       string
	CaptionProvider   string // api, local, off
	CaptionModel      string
	CaptionConcurrent int
	ClipFPS           float64
	ClipWindowFrames  int
	ClipWindowStride  int
	FaceMinScore      float64
	FaceMinSize       int
	FaceSimThreshold  float64
	FaceMinCluster    int
	WorkerPollSec     int
	TempDir           string
	ThumbnailDir      string
	FaceThumbnailDir  string
	InferenceURL      string

	TagSeedFile       string
	SearchQueryLogOff bool
	Port              string
	BridgePort        string
}

func Load() Config {
	c := Config{
		DatabaseURL:           getEnv("DATABASE_URL", ""),
		MinioEndpoint:         getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:        getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinioSecretKey:        getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinioBucket:           getEnv("MINIO_BUCKET", "testimony"),
		MinioUseSSL:           getEnv("MINIO_USE_SSL", "false") == "true",
		MinioExternalEndpoint: getEnv("MINIO_EXTERNAL_ENDPOINT", ""),
		MinioExternalScheme:   getEnv("MINIO_EXTERNAL_SCHEME", "https"),
		PresignValidity:       time.Duration(getEnvInt("PRESIGN_VALIDITY_MIN", 60)) * time.Minute,
		SessionSecret:         getEnv("SESSION_SECRET", "dev-secret-do-not-use-in-prod"),
		SessionTTL:            time.Duration(getEnvInt("SESSION_TTL_MIN", 60)) * time.Minute,
		AdminUsername:         getEnv("ADMIN_USERNAME", ""),
		AdminPassword:         getEnv("ADMIN_PASSWORD", ""),
		RedisAddr:             getEnv("REDIS_ADDR", "localhost:6379"),
		BridgeURL:             getEnv("BRIDGE_URL", "http://localhost:8081"),
		WebhookTimeout:        time.Duration(getEnvInt("WEBHOOK_TIMEOUT_SEC", 5)) * time.Second,
		NATSURL:               getEnv("NATS_URL", ""),
		FrameIntervalSec:      getEnvFloat("FRAME_INTERVAL_SEC", 2.0),
		FrameBatchSize:        getEnvInt("FRAME_BATCH_SIZE", 16),
		EmbedDimVision:        getEnvInt("EMBED_DIM_VISION", 512),
		EmbedDimText:          getEnvInt("EMBED_DIM_TEXT", 1024),
		VisionModelName:       getEnv("VISION_MODEL", "clip-vit-b-32"),
		TextModelName:         getEnv("TEXT_MODEL", "bge-m3"),
		WhisperModel:          getEnv("WHISPER_MODEL", "medium"),
		ModelDevice:           getEnv("MODEL_DEVICE", "cpu"),
		CaptionProvider:       getEnv("CAPTION_PROVIDER", "off"),
		CaptionModel:          getEnv("CAPTION_MODEL", ""),
		CaptionConcurrent:     getEnvInt("CAPTION_CONCURRENCY", 4),
		ClipFPS:               getEnvFloat("CLIP_FPS", 2.0),
		ClipWindowFrames:      getEnvInt("CLIP_WINDOW_FRAMES", 16),
		ClipWindowStride:      getEnvInt("CLIP_WINDOW_STRIDE", 8),
		FaceMinScore:          getEnvFloat("FACE_MIN_SCORE", 0.6),
		FaceMinSize:           getEnvInt("FACE_MIN_SIZE", 40),
		FaceSimThreshold:      getEnvFloat("FACE_SIM_THRESHOLD", 0.55),
		FaceMinCluster:        getEnvInt("FACE_MIN_CLUSTER_SIZE", 5),
		WorkerPollSec:         getEnvInt("WORKER_POLL_SEC", 10),
		TempDir:               getEnv("TEMP_DIR", os.TempDir()),
		ThumbnailDir:          getEnv("THUMBNAIL_DIR", "data/thumbnails"),
		FaceThumbnailDir:      getEnv("FACE_THUMBNAIL_DIR", "data/face_thumbnails"),
		InferenceURL:          getEnv("INFERENCE_URL", "http://localhost:9090"),
		TagSeedFile:           getEnv("TAG_SEED_FILE", ""),
		SearchQueryLogOff:     getEnv("SEARCH_QUERY_LOG_DISABLED", "false") == "true",
		Port:                  getEnv("PORT", "8080"),
		BridgePort:            getEnv("BRIDGE_PORT", "8081"),
	}

	if c.DatabaseURL == "" {
		host := getEnv("DB_HOST", "localhost")
		port := getEnv("DB_PORT", "5432")
		user := getEnv("DB_USER", "postgres")
		pass := getEnv("DB_PASSWORD", "")
		name := getEnv("DB_NAME", "testimony")
		ssl := getEnv("DB_SSLMODE", "disable")
		c.DatabaseURL = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, name, ssl)
	}
	return c
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}
