package main

import (
	"context"
	"errors"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	config "peerelect/configs"
	"peerelect/pkg/api"
	"peerelect/pkg/auth"
	"peerelect/pkg/coordination"
	"peerelect/pkg/duty"
	"peerelect/pkg/logger"
	tracing "peerelect/pkg/observability"
	"peerelect/pkg/protocol"
	"peerelect/pkg/storage"
	"peerelect/pkg/storage/postgres"
	"peerelect/pkg/transport"
	etcdtransport "peerelect/pkg/transport/etcd"
	"peerelect/pkg/transport/memory"
	natstransport "peerelect/pkg/transport/nats"
	redistransport "peerelect/pkg/transport/redis"
	"peerelect/pkg/transport/websocket"
)

const discoveryTimeout = 3 * time.Second

func main() {
	cfg := config.LoadConfig()
	if cfg.ClientID == "" {
		cfg.ClientID = protocol.NewClientID()
	}

	logCfg := logger.DefaultConfig("peerelect-peer")
	logCfg.Level = cfg.LogLevel
	logCfg.Encoding = cfg.LogEncoding
	log, err := logger.Init(logCfg)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log = log.With(zap.String("client_id", cfg.ClientID), zap.String("scope", cfg.Scope))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	traceCfg := tracing.DefaultConfig("peerelect-peer")
	traceCfg.ClientID = cfg.ClientID
	traceCfg.Scope = cfg.Scope
	traceCfg.Enabled = cfg.TracingEnabled
	traceCfg.Endpoint = cfg.TracingEndpoint
	traceCfg.SamplingRate = cfg.TracingSampleRate
	tp, err := tracing.Init(ctx, traceCfg)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		_ = tp.Shutdown(shutdownCtx)
	}()

	t, name, err := transport.Pick(candidates(ctx, cfg, log)...)
	if err != nil {
		log.Fatal("No usable transport", zap.Error(err))
	}
	limits := transport.LimiterConfig{
		OpsPerSecond: cfg.InboundOpsPerSecond,
		Burst:        cfg.InboundBurst,
		IdleTimeout:  transport.DefaultLimiterConfig().IdleTimeout,
	}
	t = transport.Throttled(t, transport.NewSenderLimiter(limits, nil))
	defer t.Close()
	log.Info("Transport selected", zap.String("transport", name))

	coord := coordination.New(t,
		coordination.WithClientID(cfg.ClientID),
		coordination.WithLogger(log),
		coordination.WithTracer(tp.Tracer()),
	)

	runs, closeRuns := runStore(cfg, log)
	defer closeRuns()

	var jwt *auth.JWTService
	if cfg.JWTSecret != "" {
		jwt, err = auth.NewJWTService(auth.DefaultJWTConfig(cfg.JWTSecret))
		if err != nil {
			log.Fatal("Failed to configure auth", zap.Error(err))
		}
	} else {
		log.Warn("JWT_SECRET not set, election endpoint is unauthenticated")
	}

	server := api.NewServer(api.Config{
		Port:    cfg.APIPort,
		Cluster: coord,
		Scope:   cfg.Scope,
		Runs:    runs,
		Duty:    cfg.DutyName,
		JWT:     jwt,
		Tracer:  tp.Tracer(),
		Logger:  log,
	})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("Coordinator stopped", zap.Error(err))
			cancel()
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			log.Error("API server error", zap.Error(err))
			cancel()
		}
	}()

	if cfg.DutySchedule != "" && cfg.DutyCommand != "" {
		runner, err := duty.NewRunner(duty.Config{
			Name:     cfg.DutyName,
			Scope:    cfg.Scope,
			Schedule: cfg.DutySchedule,
			Command:  cfg.DutyCommand,
			Timeout:  cfg.DutyTimeout,
		}, coord, duty.NewShellExecutor(), runs, outputStore(ctx, cfg, log), log)
		if err != nil {
			log.Fatal("Invalid duty configuration", zap.Error(err))
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Run(ctx)
		}()
	}

	log.Info("Peer started", zap.String("api_port", cfg.APIPort))
	<-ctx.Done()
	log.Info("Shutdown signal received, stopping")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("API shutdown error", zap.Error(err))
	}
	wg.Wait()
	log.Info("Shutdown complete")
}

// candidates lists transports in configured preference order, always ending
// with a private memory hub so a misconfigured peer still runs solo.
func candidates(ctx context.Context, cfg *config.Config, log *zap.Logger) []transport.Candidate {
	var list []transport.Candidate
	for _, name := range cfg.Transports {
		switch strings.ToLower(name) {
		case "nats":
			list = append(list, natstransport.Candidate(natstransport.DefaultConfig(cfg.NatsURL, cfg.Scope, cfg.ClientID), log))
		case "redis":
			rc := redistransport.DefaultConfig(cfg.RedisAddr(), cfg.Scope, cfg.ClientID)
			rc.Password = cfg.RedisPassword
			list = append(list, redistransport.Candidate(rc, log))
		case "etcd":
			ec := etcdtransport.DefaultConfig(cfg.EtcdEndpoints, cfg.Scope, cfg.ClientID)
			ec.LeaseTTL = cfg.EtcdLeaseTTL
			list = append(list, etcdtransport.Candidate(ec, log))
		case "websocket":
			var resolve func() (string, error)
			if cfg.RelayDiscovery {
				resolve = func() (string, error) {
					dctx, done := context.WithTimeout(ctx, discoveryTimeout)
					defer done()
					return websocket.Discover(dctx)
				}
			}
			list = append(list, websocket.Candidate(websocket.DefaultClientConfig(cfg.RelayURL, cfg.Scope, cfg.ClientID), resolve, log))
		case "memory":
		default:
			log.Warn("Unknown transport in preference list", zap.String("transport", name))
		}
	}
	return append(list, memory.Candidate(memory.NewHub(0), cfg.ClientID))
}

func runStore(cfg *config.Config, log *zap.Logger) (storage.RunStore, func()) {
	dsn := cfg.PostgresDSN()
	if dsn == "" {
		log.Info("No database configured, keeping duty runs in memory")
		return storage.NewMemoryRunStore(), func() {}
	}
	store, err := postgres.NewRunStore(dsn)
	if err != nil {
		log.Fatal("Failed to initialize storage", zap.Error(err))
	}
	log.Info("Postgres connected")
	return store, func() { _ = store.Close() }
}

func outputStore(ctx context.Context, cfg *config.Config, log *zap.Logger) storage.OutputStore {
	if cfg.S3Bucket != "" {
		s3, err := storage.NewS3OutputStore(ctx, storage.S3OutputStoreConfig{
			Bucket:          cfg.S3Bucket,
			Prefix:          "duty/" + cfg.DutyName + "/",
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
		})
		if err == nil {
			return s3
		}
		log.Warn("S3 unavailable, falling back to local output", zap.Error(err))
	}
	local, err := storage.NewLocalOutputStore(cfg.OutputDir)
	if err != nil {
		log.Warn("Duty output will not be kept", zap.Error(err))
		return nil
	}
	return local
}
