package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"github.com/jun/drivesync/internal/adapter"
	"github.com/jun/drivesync/internal/adapter/googledrive"
	"github.com/jun/drivesync/internal/adapter/memory"
	"github.com/jun/drivesync/internal/auth"
	"github.com/jun/drivesync/internal/config"
	"github.com/jun/drivesync/internal/credential"
	"github.com/jun/drivesync/internal/crypto"
	"github.com/jun/drivesync/internal/handler"
	"github.com/jun/drivesync/internal/metrics"
	"github.com/jun/drivesync/internal/model"
	"github.com/jun/drivesync/internal/orchestrator"
	"github.com/jun/drivesync/internal/processor"
	"github.com/jun/drivesync/internal/queue"
	"github.com/jun/drivesync/internal/scheduler"
	"github.com/jun/drivesync/internal/secret"
	"github.com/jun/drivesync/internal/session"
	"github.com/jun/drivesync/internal/settings"
	"github.com/jun/drivesync/internal/store"
)

const secretCacheTTL = 5 * time.Minute

// App holds the wired sync engine and its operator endpoints.
type App struct {
	Config       *config.Config
	Auth         *auth.Manager
	Credentials  *credential.Store
	Orchestrator *orchestrator.Orchestrator

	log              logrus.FieldLogger
	authHandler      *handler.AuthHandler
	syncHandler      *handler.SyncHandler
	signer           *auth.StateSigner
	apiGatewaySecret string
	closers          []io.Closer
}

// NewApp initializes the application dependencies. ctx bounds background
// work started on behalf of requests, such as the demo connection.
func NewApp(ctx context.Context, cfg *config.Config, log logrus.FieldLogger) (*App, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &App{Config: cfg, log: log}

	var ddb *dynamodb.Client
	var kmsClient *kms.Client
	var ssmClient *ssm.Client
	if needsAWS(cfg) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load SDK config: %w", err)
		}
		ddb = dynamodb.NewFromConfig(awsCfg)
		kmsClient = kms.NewFromConfig(awsCfg)
		ssmClient = ssm.NewFromConfig(awsCfg)
	}

	var settingsClient settings.DynamoClient
	var storeClient store.DynamoClient
	if ddb != nil {
		settingsClient = ddb
		storeClient = ddb
	}

	settingsStore, err := settings.Open(cfg.SettingsBackend, settingsClient, cfg.SettingsTable)
	if err != nil {
		return nil, fmt.Errorf("open settings: %w", err)
	}
	a.track(settingsStore)

	fileStore, err := store.Open(ctx, cfg.StoreBackend, storeClient, cfg.FilesTable, cfg.UsersTable, cfg.DatabaseURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.track(fileStore)
	log.WithFields(logrus.Fields{
		"settings": cfg.SettingsBackend,
		"store":    cfg.StoreBackend,
	}).Info("Storage backends ready")

	var encryptor crypto.Encryptor
	var resolver secret.Resolver
	if cfg.DevMode {
		encryptor = crypto.NewMockEncryptor()
		resolver = secret.NewEnvResolver()
		log.Info("Using MockEncryptor and EnvResolver (DEV_MODE=true)")
	} else {
		encryptor = crypto.NewKMSService(kmsClient, cfg.KMSKeyID)
		resolver = secret.NewSSMResolver(ssmClient)
	}
	resolver = secret.NewCachingResolver(resolver, secretCacheTTL)

	clientSecret, err := resolver.GetSecret(ctx, cfg.GoogleClientSecretParam)
	if err != nil {
		log.WithError(err).Warn("Failed to resolve Google client secret")
	}
	stateSecret, err := resolver.GetSecret(ctx, cfg.StateSecretParam)
	if err != nil {
		if !cfg.DevMode {
			a.Close()
			return nil, fmt.Errorf("resolve state secret: %w", err)
		}
		log.WithError(err).Warn("Failed to resolve state secret, using development default")
		stateSecret = "default-dev-secret"
	}
	a.apiGatewaySecret, err = resolver.GetSecret(ctx, cfg.APIGatewaySecretParam)
	if err != nil && !cfg.DevMode {
		log.WithError(err).Warn("Failed to resolve API gateway secret, requests will be rejected")
	}

	a.Credentials = credential.NewStore(settingsStore, encryptor)
	if cfg.GoogleClientID != "" && clientSecret != "" {
		err := a.Credentials.SaveProviderSettings(ctx, model.ProviderSettings{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: clientSecret,
			RedirectURI:  cfg.GoogleRedirectURL,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("save provider settings: %w", err)
		}
	}

	var verifier auth.IdentityVerifier
	if cfg.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.OIDCIssuer)
		if err != nil {
			a.Close()
			return nil, err
		}
		verifier = v
	}
	a.Auth = auth.NewManager(a.Credentials, auth.Options{
		Verifier: verifier,
		Logger:   log.WithField("component", "auth"),
	})

	var factory adapter.ProviderFactory
	if cfg.DevMode {
		demo := memory.NewProvider()
		memory.Seed(demo, time.Now())
		factory = func(context.Context, *http.Client) (adapter.Provider, error) {
			return demo, nil
		}
		log.Info("Using seeded MemoryProvider (DEV_MODE=true)")
	} else {
		burst := int(math.Max(1, math.Ceil(cfg.ProviderQPS)))
		factory = googledrive.Factory(googledrive.WithRateLimit(cfg.ProviderQPS, burst))
	}

	proc := processor.New(fileStore, processor.Options{
		ChunkSize:   cfg.BatchChunkSize,
		Concurrency: cfg.BatchConcurrency,
		Logger:      log.WithField("component", "processor"),
	})
	q := queue.New(proc, log.WithField("component", "queue"))

	var locker session.Locker
	if cfg.SweepLease {
		if cfg.DevMode || ddb == nil {
			locker = session.NewMemoryLocker(0)
		} else {
			locker = session.NewLockManager(ddb, cfg.LocksTable, 0)
		}
	}
	sched := scheduler.New(q, scheduler.NewWatermarkStore(settingsStore), scheduler.Options{
		Interval:        cfg.SyncInterval,
		Jitter:          cfg.SyncJitter,
		PageSize:        cfg.SyncPageSize,
		Query:           cfg.SyncQuery,
		Locker:          locker,
		OnProviderError: a.Auth.HandleProviderError,
		Logger:          log,
	})

	a.Orchestrator = orchestrator.New(a.Auth, factory, q, sched, orchestrator.Options{Logger: log})

	a.signer, err = auth.NewStateSigner(stateSecret, 0)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.authHandler = handler.NewAuthHandler(a.Auth, a.signer, cfg.FrontendURL, log.WithField("component", "handler"))
	if cfg.DevMode {
		a.authHandler.EnableDemo(func(reqCtx context.Context) error {
			if err := a.Orchestrator.SetAuth(reqCtx, http.DefaultClient); err != nil {
				return err
			}
			if err := a.Orchestrator.StartPeriodicSync(ctx); err != nil {
				return err
			}
			go a.drain(ctx, q)
			return nil
		})
	}
	a.syncHandler = handler.NewSyncHandler(a.Orchestrator, log.WithField("component", "handler"))

	return a, nil
}

// AuthURL returns a consent page URL carrying a fresh signed state.
func (a *App) AuthURL() (string, error) {
	state, err := a.signer.Sign()
	if err != nil {
		return "", err
	}
	return a.Auth.AuthURL(state)
}

func needsAWS(cfg *config.Config) bool {
	if !cfg.DevMode {
		return true
	}
	return cfg.SettingsBackend == "dynamodb" || cfg.StoreBackend == "dynamodb"
}

// drain keeps a queue consumer alive for the demo connection when the
// orchestrator is not running one.
func (a *App) drain(ctx context.Context, q *queue.Queue) {
	if err := q.Run(ctx); err != nil && !errors.Is(err, queue.ErrAlreadyRunning) && ctx.Err() == nil {
		a.log.WithError(err).Error("Queue consumer stopped")
	}
}

func (a *App) track(v any) {
	switch c := v.(type) {
	case io.Closer:
		a.closers = append(a.closers, c)
	case interface{ Close() }:
		a.closers = append(a.closers, closerFunc(c.Close))
	}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}

// Close releases storage connections.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.WithError(err).Warn("Failed to close resource")
		}
	}
	a.closers = nil
}

// HandleRequest routes API Gateway requests to the appropriate handler.
func (a *App) HandleRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	path := req.Path
	method := req.HTTPMethod
	a.log.WithFields(logrus.Fields{"method": method, "path": path}).Debug("Request")

	if method == http.MethodOptions {
		return corsResponse(events.APIGatewayProxyResponse{StatusCode: http.StatusNoContent}), nil
	}

	// Requests must come through CloudFront unless DEV_MODE is set.
	if !a.Config.DevMode && !a.originVerified(req) {
		a.log.WithField("path", path).Warn("Missing or invalid X-Origin-Verify header")
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusForbidden,
			Body:       "Forbidden: Access denied",
		}, nil
	}

	path = strings.TrimPrefix(path, "/api")

	switch {
	case path == "/auth/login" && method == http.MethodGet:
		return corsResponse(must(a.authHandler.Login(ctx, req))), nil
	case path == "/auth/callback" && method == http.MethodGet:
		return corsResponse(must(a.authHandler.Callback(ctx, req))), nil
	case path == "/auth/demo-login" && method == http.MethodGet:
		return corsResponse(must(a.authHandler.DemoLogin(ctx, req))), nil
	case path == "/sync/status" && method == http.MethodGet:
		return corsResponse(must(a.syncHandler.Status(ctx, req))), nil
	case path == "/sync/run" && method == http.MethodPost:
		return corsResponse(must(a.syncHandler.Run(ctx, req))), nil
	}

	return corsResponse(events.APIGatewayProxyResponse{
		StatusCode: http.StatusNotFound,
		Body:       "Not Found",
	}), nil
}

func (a *App) originVerified(req events.APIGatewayProxyRequest) bool {
	if a.apiGatewaySecret == "" {
		return false
	}
	got := handler.Header(req, "X-Origin-Verify")
	return subtle.ConstantTimeCompare([]byte(got), []byte(a.apiGatewaySecret)) == 1
}

// Router serves the same routes over plain HTTP, plus health and metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware())

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", metrics.Handler())

	api := handler.HTTP(a.HandleRequest)
	for _, prefix := range []string{"", "/api"} {
		r.Get(prefix+"/auth/login", api)
		r.Get(prefix+"/auth/callback", api)
		r.Get(prefix+"/auth/demo-login", api)
		r.Get(prefix+"/sync/status", api)
		r.Post(prefix+"/sync/run", api)
	}
	r.Options("/*", api)
	return r
}

func corsResponse(resp events.APIGatewayProxyResponse) events.APIGatewayProxyResponse {
	if resp.Headers == nil {
		resp.Headers = make(map[string]string)
	}
	resp.Headers["Access-Control-Allow-Origin"] = "*"
	resp.Headers["Access-Control-Allow-Methods"] = "GET, POST, OPTIONS"
	resp.Headers["Access-Control-Allow-Headers"] = "Content-Type, Authorization, X-Origin-Verify"
	return resp
}

func must(resp events.APIGatewayProxyResponse, err error) events.APIGatewayProxyResponse {
	if err != nil {
		return events.APIGatewayProxyResponse{
			StatusCode: http.StatusInternalServerError,
			Body:       "Internal Server Error",
		}
	}
	return resp
}
