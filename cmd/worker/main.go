// Command worker runs one delivery worker instance: the batch claim and
// dispatch loop, the waiting sweeper, the bulk intake watcher and the
// admin web service, all against a shared PostgreSQL queue.
//
// Multiple instances may run against the same database; they coordinate
// through row locks only.
package main

import (
	"bytes"
	"context"
	_ "embed"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/remiges-tech/logharbour/logharbour"

	"github.com/remiges-tech/sureq/admin"
	"github.com/remiges-tech/sureq/config"
	"github.com/remiges-tech/sureq/insure"
	"github.com/remiges-tech/sureq/insure/intake"
	"github.com/remiges-tech/sureq/insure/objstore"
	insurepg "github.com/remiges-tech/sureq/insure/pg"
	alogger "github.com/remiges-tech/sureq/logger"
	"github.com/remiges-tech/sureq/metrics"
	"github.com/remiges-tech/sureq/router"
	"github.com/remiges-tech/sureq/service"
	"github.com/remiges-tech/sureq/wscutils"
)

//go:embed errortypes.yaml
var errorTypesYAML []byte

// AppConfig is the full configuration of one worker process. The worker
// section uses the historical key names so existing deployment configs
// keep working.
type AppConfig struct {
	DBConnURL     string `json:"db_conn_url"`
	AppServerPort string `json:"app_server_port"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	MinioEndpoint  string `json:"minio_endpoint"`
	MinioAccessKey string `json:"minio_access_key"`
	MinioSecretKey string `json:"minio_secret_key"`
	MinioUseSSL    bool   `json:"minio_use_ssl"`
	ResponseBucket string `json:"response_bucket"`

	// SealKey is the hex-encoded 32-byte key for header encryption at
	// rest. Empty disables sealing.
	SealKey          string   `json:"seal_key"`
	SensitiveHeaders []string `json:"sensitive_headers"`

	UseOIDCAuth     bool   `json:"use_oidc_auth"`
	OIDCProviderURL string `json:"oidc_provider_url"`
	OIDCClientID    string `json:"oidc_client_id"`

	Worker WorkerSection `json:"worker"`
	Intake IntakeSection `json:"intake"`
}

// WorkerSection mirrors the delivery parameters of the worker loop.
type WorkerSection struct {
	Enabled            *bool `json:"enabled"`
	BatchSize          int   `json:"batchSize"`
	MicroSecondsToWait int   `json:"microSecondsToWait"`
	TimeoutInSeconds   int   `json:"timeoutInSeconds"`
	MaxRetries         int   `json:"maximumNumberOfRetries"`
	KeepAlive          *bool `json:"keepAlive"`
	UseDbReconnect     *bool `json:"useDbReconnect"`
	RetryBaseDelaySecs int   `json:"retryBaseDelaySeconds"`
	RetryCeilingSecs   int   `json:"retryCeilingSeconds"`
	PauseRetrySecs     int   `json:"pauseRetrySeconds"`
	MaxInlineBodyBytes int   `json:"maxInlineBodyBytes"`
}

// IntakeSection configures the bulk request-file watcher.
type IntakeSection struct {
	WatchDirs          []string                 `json:"watchDirs"`
	FileTypeMap        []intake.FileTypeMapping `json:"fileTypeMap"`
	SleepSeconds       int                      `json:"sleepSeconds"`
	FileAgeSecs        int                      `json:"fileAgeSecs"`
	IncomingBucket     string                   `json:"incomingBucket"`
	ArchiveBucket      string                   `json:"archiveBucket"`
	FailedBucket       string                   `json:"failedBucket"`
	AllowedURLPatterns []string                 `json:"allowedUrlPatterns"`
}

func main() {
	configSystem := flag.String("configSource", "file", "The configuration system to use (file or rigel)")
	configFilePath := flag.String("configFile", "./config.json", "The path to the configuration file")
	etcdEndpoints := flag.String("etcdEndpoints", "localhost:2379", "The etcd endpoints for rigel")
	rigelConfigName := flag.String("configName", "C1", "The name of the rigel configuration")
	rigelSchemaName := flag.String("schemaName", "sureq", "The name of the rigel schema")
	rigelSchemaVersion := flag.Int("schemaVersion", 1, "The version of the rigel schema")
	flag.Parse()

	var appConfig AppConfig
	var err error
	switch *configSystem {
	case "file":
		err = config.LoadConfigFromFile(*configFilePath, &appConfig)
	case "rigel":
		err = config.LoadConfigFromRigel(*etcdEndpoints, *rigelSchemaName, *rigelSchemaVersion, *rigelConfigName, &appConfig)
	default:
		log.Fatalf("Unknown configuration system: %s", *configSystem)
	}
	if err != nil {
		log.Fatalf("Error loading config: %v", err)
	}

	wscutils.LoadErrorTypes(bytes.NewReader(errorTypesYAML))

	lctx := logharbour.NewLoggerContext(logharbour.DefaultPriority)
	logger := logharbour.NewLogger(lctx, "sureq", os.Stdout)

	ctx := context.Background()

	pool, err := pgxpool.New(ctx, appConfig.DBConnURL)
	if err != nil {
		log.Fatalf("Error creating database pool: %v", err)
	}
	defer pool.Close()

	if err := migrate(ctx, pool); err != nil {
		log.Fatalf("Error migrating database: %v", err)
	}

	sealer, err := buildSealer(&appConfig)
	if err != nil {
		log.Fatalf("Error building header sealer: %v", err)
	}

	store := insurepg.NewStore(pool, sealer)
	transport := insure.NewHTTPTransport()

	m := metrics.NewPrometheusMetrics()
	insure.RegisterWorkerMetrics(m)

	workerCfg := workerConfig(appConfig.Worker)
	worker, err := insure.NewWorker(store, transport, logger, workerCfg)
	if err != nil {
		log.Fatalf("Error building worker: %v", err)
	}
	worker.WithPool(pool).WithMetrics(m)

	var redisClient *redis.Client
	if appConfig.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     appConfig.RedisAddr,
			Password: appConfig.RedisPassword,
			DB:       appConfig.RedisDB,
		})
		hb := insure.NewHeartbeat(redisClient, worker.InstanceID(), logger)
		worker.WithHeartbeat(hb)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := hb.Shutdown(shutdownCtx); err != nil {
				logger.Error(err).LogActivity("heartbeat shutdown failed", nil)
			}
		}()
	}

	var objStore objstore.ObjectStore
	if appConfig.MinioEndpoint != "" {
		minioClient, err := minio.New(appConfig.MinioEndpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(appConfig.MinioAccessKey, appConfig.MinioSecretKey, ""),
			Secure: appConfig.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("Error creating minio client: %v", err)
		}
		objStore = objstore.NewMinioObjectStore(minioClient)

		bucket := appConfig.ResponseBucket
		if bucket == "" {
			bucket = "responses"
		}
		worker.WithObjectStore(objStore, bucket)
	}

	var intakeServer *intake.Server
	if objStore != nil {
		intakeServer = intake.NewServer(store, objStore, logger, intake.ServerConfig{
			IncomingBucket:     appConfig.Intake.IncomingBucket,
			ArchiveBucket:      appConfig.Intake.ArchiveBucket,
			FailedBucket:       appConfig.Intake.FailedBucket,
			AllowedURLPatterns: appConfig.Intake.AllowedURLPatterns,
		})
		if err := intakeServer.RegisterFileChk("jsonl", intake.JSONLinesFileChk); err != nil {
			log.Fatalf("Error registering file check: %v", err)
		}

		if len(appConfig.Intake.WatchDirs) > 0 {
			watcher := intake.NewWatcher(intake.WatcherConfig{
				WatchDirs:     appConfig.Intake.WatchDirs,
				FileTypeMap:   appConfig.Intake.FileTypeMap,
				SleepInterval: time.Duration(max(appConfig.Intake.SleepSeconds, 1)) * time.Second,
				FileAgeSecs:   appConfig.Intake.FileAgeSecs,
			}, intakeServer)
			go watcher.Run(ctx)
		}
	}

	if appConfig.AppServerPort != "" {
		go runAdminService(&appConfig, logger, store, redisClient, intakeServer, m)
	}

	go recordQueueDepth(ctx, store, m, logger)

	if appConfig.Worker.Enabled != nil && !*appConfig.Worker.Enabled {
		logger.Warn().LogActivity("worker disabled by configuration, serving admin endpoints only", nil)
		select {}
	}

	// Blocks until SIGTERM/SIGQUIT, then finishes the tick in flight.
	worker.Run()
}

// recordQueueDepth refreshes the per-state row count gauges.
func recordQueueDepth(ctx context.Context, store *insurepg.Store, m *metrics.PrometheusMetrics, logger *logharbour.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		counts, err := store.StateCounts(ctx)
		if err != nil {
			logger.Error(err).LogActivity("state count refresh failed", nil)
			continue
		}
		insure.RecordStateCounts(m, counts)
	}
}

// migrate applies pending schema migrations on a dedicated connection.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire migration connection: %w", err)
	}
	defer conn.Release()
	return insure.MigrateDatabase(conn.Conn())
}

func buildSealer(appConfig *AppConfig) (*insure.Sealer, error) {
	if appConfig.SealKey == "" {
		return nil, nil
	}
	key, err := insure.DecodeSealKey(appConfig.SealKey)
	if err != nil {
		return nil, err
	}
	return insure.NewSealer(key, appConfig.SensitiveHeaders)
}

// workerConfig maps the config file section onto the engine's config,
// inverting the enabled-by-default booleans.
func workerConfig(w WorkerSection) *insure.WorkerConfig {
	return &insure.WorkerConfig{
		BatchSize:             w.BatchSize,
		TickMicroseconds:      w.MicroSecondsToWait,
		TimeoutSeconds:        w.TimeoutInSeconds,
		MaxRetries:            w.MaxRetries,
		RetryBaseDelaySeconds: w.RetryBaseDelaySecs,
		RetryCeilingSeconds:   w.RetryCeilingSecs,
		PauseRetrySeconds:     w.PauseRetrySecs,
		MaxInlineBodyBytes:    w.MaxInlineBodyBytes,
		DisableKeepAlive:      w.KeepAlive != nil && !*w.KeepAlive,
		DisableDbPing:         w.UseDbReconnect != nil && !*w.UseDbReconnect,
	}
}

func runAdminService(appConfig *AppConfig, logger *logharbour.Logger, store *insurepg.Store, redisClient *redis.Client, intakeServer *intake.Server, m *metrics.PrometheusMetrics) {
	var authMiddleware *router.AuthMiddleware
	if appConfig.UseOIDCAuth {
		cache := router.NewRedisTokenCache(appConfig.RedisAddr, appConfig.RedisPassword, appConfig.RedisDB, 0)
		var err error
		authMiddleware, err = router.LoadAuthMiddleware(appConfig.OIDCClientID, appConfig.OIDCProviderURL, cache, &alogger.LogHarbour{Logger: logger})
		if err != nil {
			log.Fatalf("Error loading auth middleware: %v", err)
		}
	}

	r, err := router.SetupRouter(appConfig.UseOIDCAuth, logger, authMiddleware)
	if err != nil {
		log.Fatalf("Error setting up router: %v", err)
	}

	s := service.NewService(r).
		WithLogger(logger.WithModule("admin")).
		WithDatabase(store)
	if redisClient != nil {
		s.WithDependency(admin.DepRedis, redisClient)
	}
	if intakeServer != nil {
		s.WithDependency(admin.DepIntake, intakeServer)
		s.WithDependency(admin.DepURLCheck, intakeServer.URLAllowed)
	}
	admin.RegisterRoutes(s)

	r.GET("/metrics", gin.WrapH(m.Handler()))

	srv := &http.Server{Addr: ":" + appConfig.AppServerPort, Handler: r}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Admin service failed: %v", err)
	}
}
