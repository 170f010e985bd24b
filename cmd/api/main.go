package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"perimetra.io/internal/audit"
	"perimetra.io/internal/consent"
	"perimetra.io/internal/httpapi"
	"perimetra.io/internal/mfa"
	"perimetra.io/internal/obs"
	"perimetra.io/internal/rbac"
	"perimetra.io/internal/session"
	"perimetra.io/internal/store/pg"
)

var version = "0.4.0"

func main() {
	_ = godotenv.Load()
	obs.Init()

	if os.Getenv("PERIMETRA_TOKEN_SECRET") == "" {
		log.Fatal("PERIMETRA_TOKEN_SECRET is required")
	}
	dsn := os.Getenv("PERIMETRA_PG_DSN")
	if dsn == "" {
		log.Fatal("PERIMETRA_PG_DSN is required")
	}
	sealKey := os.Getenv("PERIMETRA_MFA_SEAL_KEY")
	if sealKey == "" {
		log.Fatal("PERIMETRA_MFA_SEAL_KEY is required")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	if envBool("PERIMETRA_AUTO_MIGRATE") {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		if err := store.Migrate(ctx); err != nil {
			cancel()
			log.Fatalf("migrate: %v", err)
		}
		cancel()
	}

	sealer, err := mfa.NewSealer([]byte(sealKey))
	if err != nil {
		log.Fatalf("mfa seal key: %v", err)
	}
	auditor, err := audit.NewLogger(store, audit.WithSink(audit.LogSink{}))
	if err != nil {
		log.Fatalf("audit logger: %v", err)
	}
	sessions, err := session.NewManager(store, auditor)
	if err != nil {
		log.Fatalf("session manager: %v", err)
	}
	access, err := rbac.NewResolver(store, auditor)
	if err != nil {
		log.Fatalf("access resolver: %v", err)
	}
	mfaSvc, err := mfa.NewService(store, sealer, auditor, "perimetra")
	if err != nil {
		log.Fatalf("mfa service: %v", err)
	}
	consents, err := consent.NewService(store.Consents(), auditor)
	if err != nil {
		log.Fatalf("consent service: %v", err)
	}

	cfg := httpapi.Config{
		Version:         version,
		SessionTimeout:  envDuration("PERIMETRA_SESSION_TIMEOUT", 30*time.Minute),
		TokenTTL:        envDuration("PERIMETRA_TOKEN_TTL", 15*time.Minute),
		CookieSecure:    envBool("PERIMETRA_COOKIE_SECURE"),
		LoginRateLimit:  envInt("PERIMETRA_LOGIN_RATE_LIMIT", 10),
		LoginRateWindow: envDuration("PERIMETRA_LOGIN_RATE_WINDOW", 15*time.Minute),
		AuditRetention:  envDuration("PERIMETRA_AUDIT_RETENTION", 365*24*time.Hour),
	}
	probe := httpapi.ReadyProbe{DB: store.DB()}
	api := httpapi.New(cfg, probe, httpapi.Deps{
		Sessions: sessions,
		Access:   access,
		Profiles: store,
		MFA:      mfaSvc,
		Consents: consents,
		Auditor:  auditor,
	})

	addr := os.Getenv("PERIMETRA_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	handler := httpapi.IngressRateLimit(api.Handler(),
		envInt("PERIMETRA_INGRESS_BURST", 100),
		envInt("PERIMETRA_INGRESS_RPS", 50))
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting perimetra-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	var grpcSrv *grpc.Server
	if grpcAddr := os.Getenv("PERIMETRA_GRPC_ADDR"); grpcAddr != "" {
		lis, err := net.Listen("tcp", grpcAddr)
		if err != nil {
			log.Fatalf("grpc listen: %v", err)
		}
		grpcSrv = grpc.NewServer()
		healthpb.RegisterHealthServer(grpcSrv, httpapi.NewGRPCHealth(probe))
		log.Printf("Starting gRPC health on %s", grpcAddr)
		go func() {
			if err := grpcSrv.Serve(lis); err != nil {
				log.Fatalf("grpc serve: %v", err)
			}
		}()
	}

	// Background maintenance: expired sessions, retention, stale counters.
	maintenanceDone := make(chan struct{})
	go func() {
		interval := envDuration("PERIMETRA_CLEANUP_INTERVAL", 15*time.Minute)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-maintenanceDone:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				counts := api.Cleanup(ctx)
				cancel()
				log.Printf("maintenance cleanup: %v", counts)
			}
		}
	}()

	obs.SetReady(true)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")
	obs.SetReady(false)
	close(maintenanceDone)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	log.Println("Stopped")
}

func envBool(name string) bool {
	v, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && v
}

func envInt(name string, def int) int {
	v, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return v
}

func envDuration(name string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return def
	}
	return v
}
