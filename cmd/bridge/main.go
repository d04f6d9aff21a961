package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"

	"github.com/opentestimony/ot-backend/internal/auth"
	"github.com/opentestimony/ot-backend/internal/bridge"
	"github.com/opentestimony/ot-backend/internal/config"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/faces"
	"github.com/opentestimony/ot-backend/internal/indexer"
	"github.com/opentestimony/ot-backend/internal/metrics"
	"github.com/opentestimony/ot-backend/internal/middleware"
	"github.com/opentestimony/ot-backend/internal/models"
	"github.com/opentestimony/ot-backend/internal/objstore"
	"github.com/opentestimony/ot-backend/internal/search"
	"github.com/opentestimony/ot-backend/internal/tokens"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Database
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("DB open error: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("DB ping error: %v", err)
	}
	defer db.Close()

	// Embedding columns must match the configured models before any job
	// runs.
	if err := indexer.EnsureEmbeddingSchema(ctx, db, cfg.EmbedDimVision, cfg.EmbedDimText); err != nil {
		log.Fatalf("Schema guard error: %v", err)
	}

	// 2. Object store
	store, err := objstore.New(objstore.Config{
		Endpoint:        cfg.MinioEndpoint,
		AccessKey:       cfg.MinioAccessKey,
		SecretKey:       cfg.MinioSecretKey,
		Bucket:          cfg.MinioBucket,
		UseSSL:          cfg.MinioUseSSL,
		PresignValidity: cfg.PresignValidity,
	})
	if err != nil {
		log.Fatalf("Object store error: %v", err)
	}

	// 3. Inference sidecar
	modelClient := models.NewClient(models.Config{
		BaseURL:      cfg.InferenceURL,
		VisionModel:  cfg.VisionModelName,
		TextModel:    cfg.TextModelName,
		WhisperModel: cfg.WhisperModel,
		CaptionModel: cfg.CaptionModel,
		Device:       cfg.ModelDevice,
	})
	if err := modelClient.Health(ctx); err != nil {
		log.Printf("[Bridge] inference sidecar not ready: %v", err)
	}

	// 4. Optional NATS fan-out
	var events *indexer.EventPublisher
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			log.Printf("[Bridge] NATS connect: %v (events disabled)", err)
		} else {
			defer nc.Close()
			events = indexer.NewEventPublisher(nc, "indexing", 3)
		}
	}

	// 5. Services
	collector := metrics.NewCollector()
	go collector.Start(ctx, data.JobModel{DB: db})

	faceSvc := &faces.Service{
		DB:             db,
		Faces:          data.FaceModel{DB: db},
		Eps:            1 - cfg.FaceSimThreshold,
		MinClusterSize: cfg.FaceMinCluster,
	}
	searchSvc := &search.Service{
		DB:      db,
		Models:  modelClient,
		Logs:    data.SearchLogModel{DB: db},
		LogOff:  cfg.SearchQueryLogOff,
		Metrics: collector,
	}

	hub := bridge.NewHub()
	worker := &indexer.Worker{
		Pipeline: &indexer.Pipeline{
			Cfg:     &cfg,
			DB:      db,
			Models:  modelClient,
			Store:   store,
			Faces:   faceSvc,
			Metrics: collector,
		},
		Jobs:    data.JobModel{DB: db},
		Events:  events,
		Notify:  hub,
		PollSec: cfg.WorkerPollSec,
	}
	go worker.Run(ctx)

	// 6. HTTP
	tokenMgr := tokens.NewManager(cfg.SessionSecret, cfg.SessionTTL)
	server := &bridge.Server{
		DB:               db,
		Jobs:             data.JobModel{DB: db},
		Faces:            data.FaceModel{DB: db},
		FaceSvc:          faceSvc,
		Search:           searchSvc,
		Models:           modelClient,
		Hub:              hub,
		ThumbnailDir:     cfg.ThumbnailDir,
		FaceThumbnailDir: cfg.FaceThumbnailDir,
		// Tokens are validated statelessly against the shared signing
		// key; revocation checks stay on the ingest service.
		Auth:           middleware.NewSessionAuth(tokenMgr, auth.NoopBlacklist{}),
		Metrics:        collector,
		MetricsHandler: collector.Handler(),
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.BridgePort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[Bridge] listening on :%s", cfg.BridgePort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Bridge] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Bridge] shutdown: %v", err)
	}
}
