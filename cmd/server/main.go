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
	"github.com/redis/go-redis/v9"

	"github.com/opentestimony/ot-backend/internal/api"
	"github.com/opentestimony/ot-backend/internal/audit"
	"github.com/opentestimony/ot-backend/internal/auth"
	"github.com/opentestimony/ot-backend/internal/config"
	"github.com/opentestimony/ot-backend/internal/data"
	"github.com/opentestimony/ot-backend/internal/devices"
	"github.com/opentestimony/ot-backend/internal/ingest"
	"github.com/opentestimony/ot-backend/internal/metrics"
	"github.com/opentestimony/ot-backend/internal/middleware"
	"github.com/opentestimony/ot-backend/internal/objstore"
	"github.com/opentestimony/ot-backend/internal/ratelimit"
	"github.com/opentestimony/ot-backend/internal/tags"
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

	// 2. Redis (session blacklist + rate limiting)
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	limiter := ratelimit.NewLimiter(rdb, cfg.SessionSecret)
	blacklist := auth.NewRedisBlacklist(rdb)

	// 3. Object store
	store, err := objstore.New(objstore.Config{
		Endpoint:         cfg.MinioEndpoint,
		AccessKey:        cfg.MinioAccessKey,
		SecretKey:        cfg.MinioSecretKey,
		Bucket:           cfg.MinioBucket,
		UseSSL:           cfg.MinioUseSSL,
		ExternalEndpoint: cfg.MinioExternalEndpoint,
		ExternalScheme:   cfg.MinioExternalScheme,
		PresignValidity:  cfg.PresignValidity,
	})
	if err != nil {
		log.Fatalf("Object store error: %v", err)
	}
	if err := store.EnsureBucket(ctx); err != nil {
		log.Fatalf("Bucket init error: %v", err)
	}

	// 4. Core services
	auditSvc := audit.NewService(db)
	collector := metrics.NewCollector()
	go collector.Start(ctx, data.JobModel{DB: db})

	registry, err := devices.NewRegistry(db, data.DeviceModel{DB: db}, auditSvc)
	if err != nil {
		log.Fatalf("Device registry error: %v", err)
	}

	catalogue := tags.NewCatalogue(db, data.TagModel{DB: db}, data.VideoModel{DB: db}, auditSvc)
	if cfg.TagSeedFile != "" {
		if err := catalogue.SeedFromFile(ctx, cfg.TagSeedFile); err != nil {
			log.Printf("[Tags] seed: %v", err)
		}
		catalogue.StartSeedWatcher(ctx, cfg.TagSeedFile)
	}

	ingestSvc := &ingest.Service{
		DB:       db,
		Videos:   data.VideoModel{DB: db},
		Registry: registry,
		Audit:    auditSvc,
		Store:    store,
		Metrics:  collector,
		Hook:     ingest.NewHookClient(cfg.BridgeURL+"/hooks/video-uploaded", cfg.WebhookTimeout),
		TempDir:  cfg.TempDir,
	}

	tokenMgr := tokens.NewManager(cfg.SessionSecret, cfg.SessionTTL)
	seedAdmin(ctx, db, auditSvc, cfg)

	// 5. Handlers
	authHandler := &api.AuthHandler{
		DB:         db,
		Users:      data.UserModel{DB: db},
		Tokens:     tokenMgr,
		Blacklist:  blacklist,
		Limiter:    limiter,
		SessionTTL: cfg.SessionTTL,
	}
	deviceHandler := &api.DeviceHandler{Registry: registry, Devices: data.DeviceModel{DB: db}}
	uploadHandler := &api.UploadHandler{Ingest: ingestSvc}
	videoHandler := &api.VideoHandler{DB: db, Videos: data.VideoModel{DB: db}, Audit: auditSvc, Store: store}
	tagHandler := &api.TagHandler{Catalogue: catalogue}
	userHandler := &api.UserHandler{DB: db, Users: data.UserModel{DB: db}, Audit: auditSvc}
	integrityHandler := &api.IntegrityHandler{Videos: data.VideoModel{DB: db}, Audit: auditSvc, Metrics: collector}
	statsHandler := &api.StatsHandler{
		Videos:  data.VideoModel{DB: db},
		Devices: data.DeviceModel{DB: db},
		Users:   data.UserModel{DB: db},
	}

	sessionAuth := middleware.NewSessionAuth(tokenMgr, blacklist)
	staff := func(h http.HandlerFunc) http.Handler {
		return sessionAuth.Middleware(middleware.RequireStaff(h))
	}
	admin := func(h http.HandlerFunc) http.Handler {
		return sessionAuth.Middleware(middleware.RequireAdmin(h))
	}
	uploadLimit := middleware.RateLimit(limiter, ratelimit.DefaultUpload, "upload")

	// 6. Routes
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := store.Ping(r.Context()); err != nil {
			http.Error(w, "object store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", collector.Handler())

	// Device-facing, no session: enrollment, signed capture uploads and
	// key-authenticated annotation of the device's own videos.
	mux.Handle("POST /api/devices/register", uploadLimit(http.HandlerFunc(deviceHandler.Register)))
	mux.Handle("POST /api/upload", uploadLimit(http.HandlerFunc(uploadHandler.Upload)))
	mux.Handle("POST /api/videos/{id}/annotations", uploadLimit(http.HandlerFunc(uploadHandler.Annotate)))

	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.Handle("POST /api/auth/logout", sessionAuth.Middleware(http.HandlerFunc(authHandler.Logout)))
	mux.Handle("GET /api/auth/me", sessionAuth.Middleware(http.HandlerFunc(authHandler.Me)))

	// Staff surface
	mux.Handle("GET /api/devices", staff(deviceHandler.List))
	mux.Handle("GET /api/videos", staff(videoHandler.List))
	mux.Handle("GET /api/videos/review-queue", staff(videoHandler.ReviewQueue))
	mux.Handle("GET /api/videos/{id}", staff(videoHandler.Get))
	mux.Handle("PUT /api/videos/{id}/annotations", staff(videoHandler.UpdateAnnotations))
	mux.Handle("PUT /api/videos/{id}/review", staff(videoHandler.SetReviewStatus))
	mux.Handle("GET /api/videos/{id}/download", staff(videoHandler.Presign))
	mux.Handle("GET /api/videos/{id}/audit", staff(videoHandler.AuditTrail))
	mux.Handle("GET /api/tags", staff(tagHandler.List))
	mux.Handle("POST /api/tags", staff(tagHandler.Add))
	mux.Handle("GET /api/stats", staff(statsHandler.Stats))

	// Admin surface
	mux.Handle("POST /api/upload/bulk", admin(uploadHandler.BulkUpload))
	mux.Handle("DELETE /api/videos/{id}", admin(videoHandler.Delete))
	mux.Handle("DELETE /api/tags/{tag}", admin(tagHandler.Delete))
	mux.Handle("GET /api/integrity", admin(integrityHandler.Report))
	mux.Handle("GET /api/audit/verify", admin(integrityHandler.VerifyChain))
	mux.Handle("GET /api/users", admin(userHandler.List))
	mux.Handle("POST /api/users", admin(userHandler.Create))
	mux.Handle("POST /api/users/{id}/active", admin(userHandler.SetActive))
	mux.Handle("POST /api/users/{id}/reset-password", admin(userHandler.ResetPassword))

	handler := middleware.RequestLogger(middleware.CORS(middleware.Metrics(collector)(mux)))

	// 7. Serve
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[Server] listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("[Server] shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Server] shutdown: %v", err)
	}
}

// seedAdmin creates the initial admin account when the users table is
// empty and ADMIN_USERNAME/ADMIN_PASSWORD are set. The account lands with
// its user_created chain entry like any other account.
func seedAdmin(ctx context.Context, db *sql.DB, auditSvc *audit.Service, cfg config.Config) {
	if cfg.AdminUsername == "" || cfg.AdminPassword == "" {
		return
	}
	n, err := (data.UserModel{DB: db}).Count(ctx)
	if err != nil || n > 0 {
		return
	}
	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Printf("[Server] admin seed: %v", err)
		return
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		log.Printf("[Server] admin seed: %v", err)
		return
	}
	defer tx.Rollback()

	user := &data.User{
		Username:     cfg.AdminUsername,
		DisplayName:  "Administrator",
		PasswordHash: hash,
		Role:         data.RoleAdmin,
		IsActive:     true,
	}
	if err := (data.UserModel{DB: tx}).Create(ctx, user); err != nil {
		log.Printf("[Server] admin seed: %v", err)
		return
	}
	_, err = auditSvc.Append(ctx, tx, audit.EventUserCreated, map[string]any{
		"username": user.Username,
		"role":     user.Role,
		"seeded":   true,
	}, audit.Ref{})
	if err != nil {
		log.Printf("[Server] admin seed: %v", err)
		return
	}
	if err := tx.Commit(); err != nil {
		log.Printf("[Server] admin seed: %v", err)
		return
	}
	log.Printf("[Server] seeded admin account %q", cfg.AdminUsername)
}
