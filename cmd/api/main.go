package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/handlers"
	"community-wager-backend/internal/logging"
	"community-wager-backend/internal/services"
)

const notifyQueueSize = 1024

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to parse log level: %v", err)
	}
	loggers := logging.New(os.Stdout, level)
	apiLog := loggers.Logger(logging.SubsystemAPI)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, limiter, err := services.OpenStore(ctx, cfg, loggers.Logger(logging.SubsystemStore))
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	codec, err := services.NewCodec(cfg.EncryptionSecret, cfg.KDFIterations)
	if err != nil {
		log.Fatalf("Failed to set up encryption: %v", err)
	}

	hub := handlers.NewWebSocketHub(loggers.Logger(logging.SubsystemNotify))
	go hub.Run(ctx)

	dispatcher := services.NewDispatcher(loggers.Logger(logging.SubsystemNotify), notifyQueueSize,
		services.NewLogNotifier(loggers.Logger(logging.SubsystemNotify)), hub)
	dispatcher.Start(ctx)

	ledger := services.NewLedger(store, loggers.Logger(logging.SubsystemLedger), nil)
	index := services.NewChallengeIndex(store, codec, loggers.Logger(logging.SubsystemIndex), nil)
	gate := services.NewGate(cfg, limiter, index)

	challenges := services.NewChallengeService(services.ChallengeServiceDeps{
		Store:    store,
		Codec:    codec,
		Ledger:   ledger,
		Index:    index,
		Gate:     gate,
		Notifier: dispatcher,
		Rules:    services.ChallengeRulesFromConfig(cfg),
		Log:      loggers.Logger(logging.SubsystemChallenge),
	})

	scheduler := services.NewExpirationScheduler(challenges, cfg.SweepInterval, loggers.Logger(logging.SubsystemScheduler))
	if err := scheduler.Start(ctx); err != nil {
		log.Fatalf("Failed to start expiration sweep: %v", err)
	}

	router := handlers.NewRouter(handlers.RouterDeps{
		Config:     cfg,
		Store:      store,
		Identities: services.NewJWTService(cfg),
		Limiter:    limiter,
		Challenges: challenges,
		Index:      index,
		Ledger:     ledger,
		Scheduler:  scheduler,
		Hub:        hub,
		Log:        apiLog,
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}).Handler(router)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		apiLog.Infof("Server starting on port %s (%s store)", cfg.Port, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	apiLog.Infof("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		apiLog.Errorf("HTTP shutdown: %v", err)
	}
	if err := scheduler.Stop(); err != nil {
		apiLog.Errorf("Scheduler shutdown: %v", err)
	}
	dispatcher.Wait()
}
