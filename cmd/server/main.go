package main

import (
	"context"
	"errors"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"remote-desktop-server/internal/audit"
	auditrepo "remote-desktop-server/internal/audit/repository"
	"remote-desktop-server/internal/blocklist"
	"remote-desktop-server/internal/config"
	"remote-desktop-server/internal/db"
	identityservice "remote-desktop-server/internal/identity/service"
	"remote-desktop-server/internal/mfa"
	"remote-desktop-server/internal/perf"
	policyengine "remote-desktop-server/internal/policy/engine"
	"remote-desktop-server/internal/rdp"
	"remote-desktop-server/internal/security"
	"remote-desktop-server/internal/server"
	"remote-desktop-server/internal/server/interceptors"
	"remote-desktop-server/internal/session"
	sessionrepo "remote-desktop-server/internal/session/repository"
	"remote-desktop-server/internal/telemetry"
	telemetryotel "remote-desktop-server/internal/telemetry/otel"
	"remote-desktop-server/internal/telemetry/producer"
	userrepo "remote-desktop-server/internal/user/repository"
)

const (
	serviceName    = "remote-desktop-server"
	serviceVersion = "1.0.0"
	shutdownGrace  = 30 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is not set; create a .env from .env.example or set DATABASE_URL")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, serviceName, serviceVersion, cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("otel: %v", err)
	}
	providers.SetGlobal()
	metrics, err := telemetryotel.NewMetrics(providers.MeterProvider)
	if err != nil {
		log.Fatalf("otel metrics: %v", err)
	}

	emitters := telemetry.Fanout{telemetryotel.NewEventEmitter(providers.LoggerProvider)}
	kafkaProducer, err := producer.NewKafkaProducer(cfg.KafkaBrokersList(), cfg.SecurityEventsTopic)
	if err != nil {
		log.Fatalf("kafka producer: %v", err)
	}
	if kafkaProducer != nil {
		emitters = append(emitters, kafkaProducer)
		log.Printf("security events published to kafka topic %s", cfg.SecurityEventsTopic)
	}
	dispatcher := telemetry.NewDispatcher(emitters)

	users := userrepo.NewPostgresRepository(conn)
	events := audit.NewLogger(auditrepo.NewPostgresRepository(conn), dispatcher, interceptors.ClientIP, cfg.ServerName)
	sessionRepo := sessionrepo.NewPostgresRepository(conn)

	policySource := ""
	if cfg.AuthPolicyFile != "" {
		policySource, err = policyengine.LoadPolicyFile(cfg.AuthPolicyFile)
		if err != nil {
			log.Fatalf("policy: %v", err)
		}
	}
	policy, err := policyengine.NewOPAEvaluator(ctx, policySource, cfg.RequireTwoFactorAdmins)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	authSvc := identityservice.NewAuthService(users, security.NewHasher(cfg.BcryptCost), policy, mfa.NewVerifier(), events, identityservice.Options{
		MaxFailedAttempts: cfg.FailedLoginAttempts,
		LockoutDuration:   cfg.LockoutDuration(),
		DefaultDomain:     cfg.DefaultDomain,
	})
	registry := session.NewRegistry(users, sessionRepo, events, session.Options{
		MaxSessions:    cfg.MaxConcurrentSessions,
		SessionTimeout: cfg.SessionTimeout(),
	}, metrics)

	blocks, closeBlocks := openBlocklist(ctx, cfg)
	defer closeBlocks()

	rdpServer := rdp.NewServer(rdp.ServerConfig{
		BindAddress:           cfg.BindAddress,
		Port:                  cfg.Port,
		ServerName:            cfg.ServerName,
		Version:               serviceVersion,
		MaxConnections:        cfg.MaxConnections,
		MaxIdle:               cfg.MaxIdle(),
		HealthInterval:        cfg.HealthInterval(),
		IdleScanInterval:      cfg.IdleScanEvery(),
		MonitorInterval:       cfg.MonitorInterval(),
		HandshakeTimeout:      cfg.HandshakeDeadline(),
		CPUCriticalPercent:    cfg.CPUCriticalPercent,
		MemoryCriticalPercent: cfg.MemoryCriticalPercent,
		DefaultDomain:         cfg.DefaultDomain,
	}, rdp.Deps{
		Auth:      authSvc,
		Sessions:  registry,
		Sampler:   perf.NewHostSampler(registry.ActiveCount),
		Blocklist: blocks,
		Events:    events,
		Metrics:   metrics,
	})
	if err := rdpServer.Start(ctx); err != nil {
		log.Fatalf("rdp: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.NewCleanupWorker(registry, cfg.CleanupInterval()).Run(gctx) })

	adminServer := newAdminServer(cfg, server.Deps{
		Auth:                authSvc,
		RDP:                 rdpServer,
		Blocks:              blocks,
		Events:              events,
		ServerName:          cfg.ServerName,
		Sessions:            registry,
		SessionRepo:         sessionRepo,
		Users:               users,
		Locker:              authSvc,
		DefaultDomain:       cfg.DefaultDomain,
		AuditRepo:           auditrepo.NewPostgresRepository(conn),
		HealthPinger:        conn,
		HealthPolicyChecker: policy,
	}, users, events)
	if adminServer != nil {
		lis, err := net.Listen("tcp", cfg.AdminGRPCAddr)
		if err != nil {
			log.Fatalf("admin listen: %v", err)
		}
		g.Go(func() error {
			log.Printf("admin gRPC server listening on %s", cfg.AdminGRPCAddr)
			if err := adminServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			adminServer.GracefulStop()
			return nil
		})
	}

	<-gctx.Done()
	log.Println("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rdpServer.Stop(shutdownCtx); err != nil {
		log.Printf("rdp stop: %v", err)
	}
	if err := g.Wait(); err != nil {
		log.Printf("admin server: %v", err)
	}
	if err := dispatcher.Drain(shutdownCtx); err != nil {
		log.Printf("telemetry drain: %v", err)
	}
	if kafkaProducer != nil {
		if err := kafkaProducer.Close(); err != nil {
			log.Printf("kafka producer close: %v", err)
		}
	}
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("otel shutdown: %v", err)
	}
	log.Println("server stopped")
}

// openBlocklist returns the Redis blocklist when REDIS_ADDR is set, otherwise an in-memory one.
func openBlocklist(ctx context.Context, cfg *config.Config) (blocklist.Store, func()) {
	if cfg.RedisAddr == "" {
		return blocklist.NewMemoryStore(), func() {}
	}
	store, err := blocklist.NewRedisStore(ctx, blocklist.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		log.Fatalf("redis: %v", err)
	}
	return store, func() {
		if err := store.Close(); err != nil {
			log.Printf("redis close: %v", err)
		}
	}
}

// newAdminServer builds the admin gRPC server, or returns nil when no signing key is configured.
func newAdminServer(cfg *config.Config, deps server.Deps, users userrepo.Repository, events audit.EventLogger) *grpc.Server {
	if cfg.JWTPrivateKey == "" {
		log.Println("JWT_PRIVATE_KEY is not set; admin gRPC API disabled")
		return nil
	}
	signer, pub, err := security.LoadKeyPair(cfg.JWTPrivateKey, cfg.JWTPublicKey)
	if err != nil {
		log.Fatalf("jwt keys: %v", err)
	}
	tokens := security.NewTokenProvider(signer, pub, cfg.JWTIssuer, cfg.JWTAudience, cfg.AccessTTL())
	deps.Tokens = tokens

	s := server.NewGRPCServer(server.Security{
		Tokens:           tokens,
		AccountValidator: adminAccountValidator(users),
		Events:           events,
	})
	server.RegisterServices(s, deps)
	return s
}

// adminAccountValidator refuses tokens whose account is gone, disabled, locked, expired or no longer an administrator.
func adminAccountValidator(users userrepo.Repository) interceptors.AccountValidator {
	return func(ctx context.Context, username, userDomain string) (bool, error) {
		u, err := users.GetByUsernameAndDomain(ctx, username, userDomain)
		if err != nil {
			return false, err
		}
		now := time.Now().UTC()
		return u != nil && u.IsActive && u.IsAdmin && !u.IsCurrentlyLocked(now) && !u.IsAccountExpired(now), nil
	}
}
