package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	apihttp "parkgrid-cloud/internal/api/http"
	"parkgrid-cloud/internal/audit"
	"parkgrid-cloud/internal/auth"
	downlinkapp "parkgrid-cloud/internal/downlink/application"
	downlink "parkgrid-cloud/internal/downlink/domain"
	downlinkchirpstack "parkgrid-cloud/internal/downlink/infrastructure/chirpstack"
	downlinkrepo "parkgrid-cloud/internal/downlink/infrastructure/postgres"
	downlinkhttp "parkgrid-cloud/internal/downlink/interfaces/http"
	"parkgrid-cloud/internal/observability/metrics"
	registryapp "parkgrid-cloud/internal/registry/application"
	registry "parkgrid-cloud/internal/registry/domain"
	registryrepo "parkgrid-cloud/internal/registry/infrastructure/postgres"
	registryhttp "parkgrid-cloud/internal/registry/interfaces/http"
	reportsrepo "parkgrid-cloud/internal/reports/infrastructure/postgres"
	reportsinterfaces "parkgrid-cloud/internal/reports/interfaces"
	resapp "parkgrid-cloud/internal/reservations/application"
	resrepo "parkgrid-cloud/internal/reservations/infrastructure/postgres"
	reshttp "parkgrid-cloud/internal/reservations/interfaces/http"
	spacesapp "parkgrid-cloud/internal/spacestate/application"
	spacesrepo "parkgrid-cloud/internal/spacestate/infrastructure/postgres"
	spaceshttp "parkgrid-cloud/internal/spacestate/interfaces/http"
	telapp "parkgrid-cloud/internal/telemetry/application"
	telemetrypostgres "parkgrid-cloud/internal/telemetry/infrastructure/postgres"
	"parkgrid-cloud/internal/telemetry/infrastructure/spool"
	chirpstackhttp "parkgrid-cloud/internal/telemetry/interfaces/chirpstack"
	"parkgrid-cloud/internal/tenancy"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg := loadConfig()
	logger := log.New(os.Stdout, "", log.LstdFlags)

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}
	if cfg.MigrationsDir != "" {
		if err := runMigrations(cfg.MigrationsDir, cfg.DatabaseURL); err != nil {
			logger.Fatalf("migrate error: %v", err)
		}
	}

	metrics.Init(db, logger)
	spaceChecker := tenancy.NewSpaceChecker(db)
	auditRepo := audit.NewRepository(db)

	spaceRepo := spacesrepo.NewSpaceRepository(db)
	siteRepo := spacesrepo.NewSiteRepository(db)
	stateChangeRepo := spacesrepo.NewStateChangeRepository(db)
	reservationRepo := resrepo.NewRepository(db)
	queueRepo := downlinkrepo.NewQueueRepository(db)
	orphanRepo := registryrepo.NewOrphanRepository(db)
	readingRepo := telemetrypostgres.NewReadingRepository(db)
	reportRepo := reportsrepo.NewReportRepository(db)

	sensorRepo, err := registryrepo.NewDeviceRepository(db, registry.KindSensor)
	if err != nil {
		logger.Fatalf("sensor repo error: %v", err)
	}
	displayRepo, err := registryrepo.NewDeviceRepository(db, registry.KindDisplay)
	if err != nil {
		logger.Fatalf("display repo error: %v", err)
	}
	assignmentRepo := registryrepo.NewAssignmentRepository(db)

	policy := downlink.DefaultPolicy()
	if cfg.DisplayPolicyPath != "" {
		policy, err = downlink.LoadPolicy(cfg.DisplayPolicyPath)
		if err != nil {
			logger.Fatalf("display policy error: %v", err)
		}
	}
	downlinkService, err := downlinkapp.NewService(queueRepo, displayRepo, policy, logger)
	if err != nil {
		logger.Fatalf("downlink service error: %v", err)
	}

	recomputer, err := spacesapp.NewRecomputer(spaceRepo, reservationRepo, downlinkService, logger)
	if err != nil {
		logger.Fatalf("recomputer error: %v", err)
	}
	spaceService, err := spacesapp.NewService(spaceRepo, siteRepo, reservationRepo, recomputer, logger)
	if err != nil {
		logger.Fatalf("space service error: %v", err)
	}
	registryService, err := registryapp.NewService(sensorRepo, displayRepo, assignmentRepo, orphanRepo, spaceChecker, recomputer, logger)
	if err != nil {
		logger.Fatalf("registry service error: %v", err)
	}
	reservationService, err := resapp.NewService(reservationRepo, spaceChecker, recomputer, logger)
	if err != nil {
		logger.Fatalf("reservation service error: %v", err)
	}

	var spooler telapp.Spooler
	var uplinkSpool *spool.Spool
	if cfg.SpoolDir != "" {
		uplinkSpool, err = spool.New(cfg.SpoolDir)
		if err != nil {
			logger.Fatalf("spool error: %v", err)
		}
		spooler = uplinkSpool
	}
	ingestor, err := telapp.NewIngestor(sensorRepo, orphanRepo, readingRepo, spaceService, spooler, logger)
	if err != nil {
		logger.Fatalf("ingestor error: %v", err)
	}

	sender, err := downlinkchirpstack.NewClient(cfg.ChirpStackBaseURL, cfg.ChirpStackToken, cfg.ChirpStackFPort)
	if err != nil {
		logger.Fatalf("chirpstack client error: %v", err)
	}
	dispatcher, err := downlinkapp.NewDispatcher(queueRepo, sender, cfg.DispatchInterval, logger)
	if err != nil {
		logger.Fatalf("dispatcher error: %v", err)
	}
	expirer, err := resapp.NewExpirer(reservationRepo, recomputer, cfg.SweepInterval, logger)
	if err != nil {
		logger.Fatalf("expirer error: %v", err)
	}
	sweeper := spacesapp.NewAutoReleaseSweeper(spaceRepo, recomputer, cfg.SweepInterval, logger)

	go dispatcher.Start(context.Background())
	go expirer.Start(context.Background())
	go sweeper.Start(context.Background())
	if uplinkSpool != nil {
		replayer, err := telapp.NewReplayer(uplinkSpool, ingestor, cfg.ReplayInterval, logger)
		if err != nil {
			logger.Fatalf("replayer error: %v", err)
		}
		go replayer.Start(context.Background())
	}

	spaceHandler, err := spaceshttp.NewHandler(spaceService, stateChangeRepo, auditRepo)
	if err != nil {
		logger.Fatalf("space handler error: %v", err)
	}
	registryHandler, err := registryhttp.NewHandler(registryService, auditRepo)
	if err != nil {
		logger.Fatalf("registry handler error: %v", err)
	}
	reservationHandler, err := reshttp.NewHandler(reservationService, auditRepo)
	if err != nil {
		logger.Fatalf("reservation handler error: %v", err)
	}
	downlinkHandler, err := downlinkhttp.NewHandler(downlinkService, auditRepo)
	if err != nil {
		logger.Fatalf("downlink handler error: %v", err)
	}
	reportHandler, err := reportsinterfaces.NewHandler(reportRepo)
	if err != nil {
		logger.Fatalf("report handler error: %v", err)
	}
	webhookHandler, err := chirpstackhttp.NewHandler(ingestor, logger)
	if err != nil {
		logger.Fatalf("webhook handler error: %v", err)
	}

	authPolicy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics"}, []string{"/webhooks/"})
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), authPolicy)
	webhookSecrets := tenancy.NewWebhookSecrets(db, logger)
	webhookAuth := auth.NewWebhookAuthMiddleware([]byte(cfg.WebhookSecret), webhookSecrets.Resolver())

	mux := http.NewServeMux()
	mux.Handle("/webhooks/chirpstack", webhookAuth.Wrap(webhookHandler))
	var spoolHealth chirpstackhttp.BacklogCounter
	if uplinkSpool != nil {
		spoolHealth = uplinkSpool
	}
	mux.Handle("/webhooks/health", chirpstackhttp.NewHealthHandler(spoolHealth))
	mux.Handle("/api/v1/spaces", spaceHandler)
	mux.Handle("/api/v1/spaces/", spaceHandler)
	mux.Handle("/api/v1/devices", registryHandler)
	mux.Handle("/api/v1/devices/", registryHandler)
	mux.Handle("/api/v1/orphans", registryHandler)
	mux.Handle("/api/v1/reservations", reservationHandler)
	mux.Handle("/api/v1/reservations/", reservationHandler)
	mux.Handle("/api/v1/downlinks", downlinkHandler)
	mux.Handle("/api/v1/downlinks/", downlinkHandler)
	mux.Handle("/api/v1/reports/", reportHandler)
	mux.Handle("/api/v1/stats", apihttp.NewStatsHandler(spaceRepo, queueRepo))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", apihttp.NewHealthHandler(db))

	server := &http.Server{Addr: cfg.HTTPAddr, Handler: loggingMiddleware(authMiddleware.Wrap(mux), logger)}
	logger.Printf("http listening on %s", cfg.HTTPAddr)
	logger.Fatal(server.ListenAndServe())
}

func runMigrations(dir, databaseURL string) error {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		return srcErr
	}
	return dbErr
}

type config struct {
	DatabaseURL       string
	HTTPAddr          string
	MigrationsDir     string
	JWTSecret         string
	WebhookSecret     string
	ChirpStackBaseURL string
	ChirpStackToken   string
	ChirpStackFPort   int
	DisplayPolicyPath string
	SpoolDir          string
	DispatchInterval  time.Duration
	SweepInterval     time.Duration
	ReplayInterval    time.Duration
}

func loadConfig() config {
	cfg := config{
		DatabaseURL:       getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", "")),
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		MigrationsDir:     getenvDefault("MIGRATIONS_DIR", "migrations"),
		JWTSecret:         getenvDefault("AUTH_JWT_SECRET", getenvDefault("JWT_SECRET", "")),
		WebhookSecret:     getenvDefault("WEBHOOK_HMAC_SECRET", ""),
		ChirpStackBaseURL: getenvDefault("CHIRPSTACK_BASE_URL", ""),
		ChirpStackToken:   getenvDefault("CHIRPSTACK_API_TOKEN", ""),
		ChirpStackFPort:   getenvIntDefault("CHIRPSTACK_FPORT", 10),
		DisplayPolicyPath: getenvDefault("DISPLAY_POLICY_PATH", ""),
		SpoolDir:          getenvDefault("SPOOL_DIR", "spool"),
		DispatchInterval:  getenvDuration("DOWNLINK_DISPATCH_INTERVAL", 2*time.Second),
		SweepInterval:     getenvDuration("SWEEP_INTERVAL", time.Minute),
		ReplayInterval:    getenvDuration("SPOOL_REPLAY_INTERVAL", time.Minute),
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL or PG_DSN is required")
	}
	if cfg.JWTSecret == "" {
		log.Fatal("AUTH_JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		log.Fatal("WEBHOOK_HMAC_SECRET is required")
	}
	if cfg.ChirpStackBaseURL == "" {
		log.Fatal("CHIRPSTACK_BASE_URL is required")
	}
	return cfg
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
