package bootstrap

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/stream-gateway/internal/config"
	"github.com/krobus00/stream-gateway/internal/constant"
	"github.com/krobus00/stream-gateway/internal/entity"
	opsGRPC "github.com/krobus00/stream-gateway/internal/handler/ops/grpc"
	opsHTTP "github.com/krobus00/stream-gateway/internal/handler/ops/http"
	"github.com/krobus00/stream-gateway/internal/handler/stream"
	"github.com/krobus00/stream-gateway/internal/infrastructure"
	"github.com/krobus00/stream-gateway/internal/repository"
	"github.com/krobus00/stream-gateway/internal/service/admission"
	"github.com/krobus00/stream-gateway/internal/service/clientstate"
	"github.com/krobus00/stream-gateway/internal/service/dispatcher"
	"github.com/krobus00/stream-gateway/internal/service/featureflag"
	"github.com/krobus00/stream-gateway/internal/service/gatewayserver"
	"github.com/krobus00/stream-gateway/internal/service/marketstatus"
	"github.com/krobus00/stream-gateway/internal/service/pool"
	"github.com/krobus00/stream-gateway/internal/service/provider"
	"github.com/krobus00/stream-gateway/internal/service/registry"
	"github.com/krobus00/stream-gateway/internal/service/streaming"
	"github.com/krobus00/stream-gateway/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"
)

const (
	identityDatabase    = "identity"
	cacheRedis          = "cache"
	marketDataHandler   = "market_data"
	batchCostKey        = "batch"
	dependencyPingEvery = 30 * time.Second
	grpcHealthInterval  = 5 * time.Second
)

func StartStreamGateway(cmd *cobra.Command, args []string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		db          *sqlx.DB
		redisClient *redis.Client
		nc          *nats.Conn
		js          nats.JetStreamContext
		err         error
	)

	if dbCfg, ok := config.Env.Database[identityDatabase]; ok && strings.TrimSpace(dbCfg.DSN) != "" {
		db, err = infrastructure.NewPostgresConnection(ctx, dbCfg)
		util.ContinueOrFatal(err)
		infrastructure.StartPostgresHealthCheck(ctx, db, dbCfg.PingInterval)
	}

	if redisCfg, ok := config.Env.Redis[cacheRedis]; ok && strings.TrimSpace(redisCfg.CacheDSN) != "" {
		redisClient, err = infrastructure.NewRedisClient(ctx, redisCfg)
		util.ContinueOrFatal(err)
		infrastructure.StartRedisHealthCheck(ctx, redisClient, dependencyPingEvery)
	} else {
		logrus.Warn("redis is not configured, quota and live feature flags are disabled")
	}

	if strings.TrimSpace(config.Env.NatsJetstream.URL) != "" {
		nc, js, err = infrastructure.NewJetstream()
		util.ContinueOrFatal(err)
	}

	identities, err := newIdentityStore(db)
	util.ContinueOrFatal(err)

	var quota admission.QuotaStore
	var flagStore featureflag.Store
	var dispatchOpts []dispatcher.Option
	if redisClient != nil {
		quota = admission.NewQuotaService(repository.NewQuotaRepository(redisClient))
		flagStore = repository.NewFeatureFlagRepository(redisClient, config.Env.FeatureFlags.RedisKey)
		dispatchOpts = append(dispatchOpts, dispatcher.WithTTLHintCache(repository.NewCacheRepository(redisClient)))
	}

	streamAdmission := admission.NewPipeline(identities, quota, admission.Config{
		RequiredPermissions: toPermissions(config.Env.Admission.RequiredPermissions),
		CostKey:             config.Env.Admission.QuotaCostKey,
	})
	batchAdmission := admission.NewPipeline(identities, quota, admission.Config{
		RequiredPermissions: []entity.Permission{entity.PermissionBatchFetch, entity.PermissionAdmin},
		CostKey:             batchCostKey,
	})

	capabilityRegistry := registry.New()
	connPool := pool.NewManager(pool.Config{
		MaxPerProvider: config.Env.Pool.MaxPerProvider,
		LeaseTimeout:   config.Env.Pool.LeaseTimeout,
		MaxFailures:    config.Env.Pool.MaxFailures,
	})

	providerNames := make([]string, 0, len(config.Env.Providers))
	for name, providerCfg := range config.Env.Providers {
		p, err := provider.New(name, providerCfg)
		util.ContinueOrFatal(err)
		util.ContinueOrFatal(capabilityRegistry.RegisterProvider(p.Registration))
		connPool.RegisterProvider(p.Name, p.Factory)
		providerNames = append(providerNames, p.Name)
	}
	if len(providerNames) == 0 {
		logrus.Warn("no providers configured, every dispatch will fail")
	}
	connPool.StartHealthCheck(ctx, config.Env.Pool.HealthCheckInterval)

	if db != nil {
		mapping, err := repository.NewSymbolMappingRepository(db).GetByProviders(ctx, providerNames)
		util.ContinueOrFatal(err)
		dispatchOpts = append(dispatchOpts, dispatcher.WithSymbolMapper(mapping))
	}

	marketDispatcher := dispatcher.New(capabilityRegistry, connPool, marketstatus.New(), dispatcher.Config{
		Timeout:      config.Env.Dispatch.Timeout,
		BatchMaxSize: config.Env.Dispatch.BatchMaxSize,
	}, dispatchOpts...)

	flags := featureflag.NewService(flagStore, entity.FeatureFlagSnapshot{
		GatewayOnlyMode:        config.Env.FeatureFlags.GatewayOnlyMode,
		StrictMode:             config.Env.FeatureFlags.StrictMode,
		LegacyFallbackAllowed:  config.Env.FeatureFlags.LegacyFallbackAllowed,
		AutoRollbackThresholds: config.Env.FeatureFlags.AutoRollback,
	})

	clients := clientstate.NewManager()
	serverProvider := gatewayserver.NewProvider(flags)
	streamService := streaming.NewService(streamAdmission, clients, marketDispatcher, serverProvider)

	httpMux := http.NewServeMux()
	streamServers := make(map[string]*stream.Server)
	if config.Env.Gateway.EnableLegacy {
		legacy := stream.NewLegacyServer(streamConfig(config.Env.Gateway.LegacyPath), streamService, clients, stream.WithRouter(serverProvider))
		legacy.Mount(httpMux)
		serverProvider.SetLegacyServer(legacy)
		streamServers["legacy stream server"] = legacy
	}
	if config.Env.Gateway.EnableGateway {
		gateway := stream.NewGatewayServer(streamConfig(config.Env.Gateway.GatewayPath), streamService, clients, stream.WithRouter(serverProvider))
		gateway.Mount(httpMux)
		serverProvider.SetGatewayServer(gateway)
		streamServers["gateway stream server"] = gateway
	}
	logrus.WithField("source", serverProvider.Source()).Info("stream server selected")

	refresherOpts := []streaming.RefresherOption{}
	if js != nil {
		refresherOpts = append(refresherOpts,
			streaming.WithJetstream(js),
			streaming.WithHandlerTimeout(config.Env.NatsJetstream.TimeoutHandler[marketDataHandler]),
		)
	}
	refresher := streaming.NewRefresher(clients, marketDispatcher, serverProvider, config.Env.Gateway.RefreshInterval, refresherOpts...)

	if js != nil {
		publishers := []entity.Publisher{refresher}
		for _, v := range publishers {
			err = v.JetstreamEventInit(ctx)
			util.ContinueOrFatal(err)
		}

		subscribers := []entity.Subscriber{refresher}
		for _, v := range subscribers {
			err = v.JetstreamEventSubscribe(ctx)
			util.ContinueOrFatal(err)
		}
	}

	go refresher.Run(ctx)

	opsHTTPHandler := opsHTTP.NewOpsHTTPHandler(serverProvider, clients, connPool, capabilityRegistry, flags, marketDispatcher, batchAdmission)
	opsHTTPHandler.Register(httpMux)

	grpcServer := grpc.NewServer()
	opsGRPCServer := opsGRPC.NewOpsGRPCServer(serverProvider, grpcHealthInterval)
	opsGRPCServer.Register(grpcServer)

	if config.Env.Env == constant.DevelopmentEnvironment {
		reflection.Register(grpcServer)
	}

	grpcPort := fmt.Sprintf(":%s", config.Env.Port["grpc"])

	lis, err := net.Listen("tcp", grpcPort)
	util.ContinueOrFatal(err)

	go func() {
		_ = grpcServer.Serve(lis)
	}()
	go opsGRPCServer.Run(ctx)
	logrus.Info(fmt.Sprintf("grpc server started on %s", grpcPort))

	httpPort := fmt.Sprintf(":%s", config.Env.Port["http"])
	httpServer := infrastructure.NewHTTPServerWithConfig(infrastructure.HTTPServerConfig{
		Addr:            httpPort,
		ShutdownTimeout: config.Env.GracefulShutdownTimeout,
	}, httpMux)

	go func() {
		err := httpServer.Start()
		if err != nil {
			logrus.Error(err)
		}
	}()
	logrus.Info(fmt.Sprintf("http server started on %s", httpPort))

	ops := map[string]operation{
		"http": func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
		"grpc": func(ctx context.Context) error {
			opsGRPCServer.Shutdown()
			grpcServer.GracefulStop()
			return nil
		},
		"streaming": func(ctx context.Context) error {
			cancel()
			streamService.Wait()
			return nil
		},
		"connection pool": func(ctx context.Context) error {
			return connPool.Close()
		},
	}
	for name, server := range streamServers {
		ops[name] = server.Shutdown
	}
	if db != nil {
		ops["database"] = func(ctx context.Context) error {
			cancel()
			return db.Close()
		}
	}
	if redisClient != nil {
		ops["redis"] = func(ctx context.Context) error {
			cancel()
			return redisClient.Close()
		}
	}
	if nc != nil {
		ops["nats connection"] = func(ctx context.Context) error {
			return infrastructure.CloseJetstream(nc)
		}
	}

	wait := gracefulShutdown(ctx, config.Env.GracefulShutdownTimeout, ops)

	<-wait
}

func newIdentityStore(db *sqlx.DB) (*admission.CredentialValidator, error) {
	var defaultPolicy *entity.RateLimitPolicy
	if limit := config.Env.Admission.DefaultRateLimit; limit.Limit > 0 {
		defaultPolicy = &entity.RateLimitPolicy{Limit: limit.Limit, Window: limit.Window}
	}

	var keys admission.KeyStore
	switch strings.ToLower(strings.TrimSpace(config.Env.Admission.IdentitySource)) {
	case constant.IdentitySourcePostgres:
		if db == nil {
			return nil, fmt.Errorf("identity source %s requires database.%s", constant.IdentitySourcePostgres, identityDatabase)
		}
		keys = admission.NewPostgresKeyStore(repository.NewAPIKeyRepository(db), defaultPolicy)
	case constant.IdentitySourceConfig, "":
		keys = admission.NewConfigKeyStore(config.Env.APIKeys, defaultPolicy)
	default:
		return nil, fmt.Errorf("unknown identity source %q", config.Env.Admission.IdentitySource)
	}

	var tokens admission.TokenVerifier
	if secret := strings.TrimSpace(config.Env.Admission.JWTSecret); secret != "" {
		tokens = admission.NewJWTVerifier([]byte(secret), defaultPolicy)
	}

	return admission.NewCredentialValidator(keys, tokens), nil
}

func streamConfig(path string) stream.Config {
	return stream.Config{
		Path:           path,
		WriteTimeout:   config.Env.Gateway.WriteTimeout,
		ReadTimeout:    config.Env.Gateway.ReadTimeout,
		PingInterval:   config.Env.Gateway.PingInterval,
		SendBuffer:     config.Env.Gateway.SendBuffer,
		AllowedOrigins: config.Env.Gateway.AllowedOrigins,
	}
}

func toPermissions(values []string) []entity.Permission {
	out := make([]entity.Permission, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, entity.Permission(v))
		}
	}
	return out
}
