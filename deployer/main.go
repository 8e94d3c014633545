package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/animus-labs/omicsflow/internal/platform/auditlog"
	"github.com/animus-labs/omicsflow/internal/platform/auth"
	"github.com/animus-labs/omicsflow/internal/platform/env"
	"github.com/animus-labs/omicsflow/internal/platform/httpserver"
	"github.com/animus-labs/omicsflow/internal/platform/metrics"
	"github.com/animus-labs/omicsflow/internal/platform/objectstore"
	"github.com/animus-labs/omicsflow/internal/platform/postgres"
	"github.com/animus-labs/omicsflow/internal/repo"
	"github.com/animus-labs/omicsflow/internal/repo/memory"
	pgrepo "github.com/animus-labs/omicsflow/internal/repo/postgres"
	"github.com/animus-labs/omicsflow/internal/resolver"
	"github.com/animus-labs/omicsflow/internal/service/deployment"
	"github.com/animus-labs/omicsflow/internal/service/runs"
	"github.com/animus-labs/omicsflow/internal/serviceclient"
	"github.com/animus-labs/omicsflow/internal/validation/bundle"
)

const serviceName = "deployer"

const readinessTimeout = 750 * time.Millisecond

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", serviceName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(serviceName)
	if err != nil {
		logger.Error("invalid http config", "error", err)
		os.Exit(2)
	}
	engineCfg, err := engineConfigFromEnv()
	if err != nil {
		logger.Error("invalid engine config", "error", err)
		os.Exit(2)
	}

	var maps *resolver.MapSet
	if engineCfg.MapFile != "" {
		raw, err := os.ReadFile(engineCfg.MapFile)
		if err != nil {
			logger.Error("read registry map", "path", engineCfg.MapFile, "error", err)
			os.Exit(2)
		}
		maps, err = resolver.LoadMapSet(raw, engineCfg.Target)
		if err != nil {
			logger.Error("invalid registry map", "path", engineCfg.MapFile, "error", err)
			os.Exit(2)
		}
		images, registries := maps.Len()
		logger.Info("registry map loaded", "image_rules", images, "registry_rules", registries, "mode", engineCfg.Mode.String())
	} else {
		logger.Warn("no registry map; every container reference is unmatched", "env", env.Prefix+"REGISTRY_MAP_FILE", "mode", engineCfg.Mode.String())
	}

	m := metrics.New(serviceName)
	var checks []httpserver.ReadinessCheck

	dbCfg, err := postgres.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid database config", "error", err)
		os.Exit(2)
	}
	var (
		versions repo.WorkflowVersionRepository
		runStore repo.RunRepository
		appender auditlog.Appender
		reader   auditlog.Reader
	)
	if dbCfg.Enabled() {
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			logger.Error("database unavailable", "error", err)
			os.Exit(1)
		}
		defer func() { _ = db.Close() }()
		if dbCfg.MigrateOnStart {
			if err := postgres.Migrate(ctx, db, dbCfg.MigrationTimeout, logger); err != nil {
				logger.Error("migrations failed", "error", err)
				os.Exit(1)
			}
		}
		versions = pgrepo.NewVersionStore(db)
		runStore = pgrepo.NewRunStore(db)
		appender = auditlog.SQLAppender{DB: db}
		reader = auditlog.SQLReader{DB: db}
		checks = append(checks, httpserver.ReadinessCheck{Name: "postgres", Check: httpserver.WithTimeout(readinessTimeout, postgres.Ping(db))})
	} else {
		logger.Warn("database not configured; versions and runs are kept in memory", "env", env.Prefix+"DATABASE_URL")
		versions = memory.NewVersionStore()
		runStore = memory.NewRunStore()
		recorder := &auditlog.Recorder{}
		appender, reader = recorder, recorder
	}

	storeCfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid object store config", "error", err)
		os.Exit(2)
	}
	var (
		store      objectstore.Store
		inputStore objectstore.Store
	)
	if storeCfg.Enabled() {
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			logger.Error("object store client init failed", "error", err)
			os.Exit(2)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, client, storeCfg)
		cancel()
		if err != nil {
			logger.Error("object store unavailable", "error", err)
			os.Exit(1)
		}
		store = objectstore.NewMinIOStore(client)
		inputStore = store
		checks = append(checks, httpserver.ReadinessCheck{Name: "minio", Check: httpserver.WithTimeout(readinessTimeout, objectstore.CheckBucket(client, storeCfg))})
	} else {
		logger.Warn("object store not configured; staged bundles are kept in memory", "env", env.Prefix+"S3_ENDPOINT")
		store = objectstore.NewMemory()
	}

	var svc *serviceclient.Client
	if env.String("SERVICE_URL", "") != "" {
		svcCfg, err := serviceclient.ConfigFromEnv()
		if err != nil {
			logger.Error("invalid workflow service config", "error", err)
			os.Exit(2)
		}
		svc, err = serviceclient.New(ctx, svcCfg, serviceclient.WithLogger(logger), serviceclient.WithMetrics(m))
		if err != nil {
			logger.Error("workflow service client init failed", "error", err)
			os.Exit(2)
		}
	} else {
		logger.Warn("workflow service not configured; registration and runs are disabled", "env", env.Prefix+"SERVICE_URL")
	}

	managerOpts := []deployment.Option{
		deployment.WithMapSet(maps),
		deployment.WithMetrics(m),
		deployment.WithLogger(logger),
	}
	var runService *runs.Service
	if svc != nil {
		managerOpts = append(managerOpts, deployment.WithService(svc, store))
		runOpts := []runs.Option{runs.WithMetrics(m), runs.WithLogger(logger)}
		if inputStore != nil {
			runOpts = append(runOpts, runs.WithInputStore(inputStore))
		}
		runService = runs.New(versions, runStore, svc, appender, runOpts...)
	}
	manager, err := deployment.New(versions, appender, deployment.Options{
		Bundle: bundle.Options{MaxBundleBytes: engineCfg.MaxBundleBytes},
		Bounds: engineCfg.Bounds,
		Mode:   engineCfg.Mode,
		Bucket: storeCfg.BundleBucket,
	}, managerOpts...)
	if err != nil {
		logger.Error("deployment manager init failed", "error", err)
		os.Exit(2)
	}

	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		logger.Error("invalid auth config", "error", err)
		os.Exit(2)
	}
	var authenticator auth.Authenticator
	switch authCfg.Mode {
	case auth.ModeOIDC:
		authenticator, err = auth.NewOIDCAuthenticator(ctx, authCfg)
		if err != nil {
			logger.Error("oidc init failed", "error", err)
			os.Exit(2)
		}
	case auth.ModeDev:
		logger.Warn("dev auth mode enabled; do not use in production", "subject", authCfg.DevSubject)
		authenticator = auth.NewDevAuthenticator(authCfg)
	default:
		logger.Warn("auth disabled; every request runs as an anonymous admin")
		authenticator = auth.NewDisabledAuthenticator()
	}

	api := newDeployerAPI(logger, manager, runService, reader, maps, engineCfg)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", httpserver.Healthz(serviceName))
	mux.HandleFunc("GET /readyz", httpserver.ReadyzWithChecks(serviceName, checks...))
	mux.Handle("GET /metrics", m.Handler())
	api.register(mux)

	handler := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.PermissionAuthorizer(),
		Audit: func(ctx context.Context, event auth.DenyEvent) error {
			auditCtx, cancel := context.WithTimeout(ctx, readinessTimeout)
			defer cancel()
			return auditlog.AuthDenyFunc(appender, serviceName)(auditCtx, event)
		},
		SkipPrefixes: []string{"/healthz", "/readyz", "/metrics"},
	}.Wrap(m.Instrument(mux))

	if err := httpserver.Run(ctx, logger, httpCfg, httpserver.Wrap(logger, handler)); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
