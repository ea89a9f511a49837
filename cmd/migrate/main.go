// Command migrate runs maintenance tasks against the document store: table
// creation, index rebuild, reconciliation and development tokens.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"community-wager-backend/internal/config"
	"community-wager-backend/internal/logging"
	"community-wager-backend/internal/services"
)

func main() {
	var (
		ensureTable  = flag.Bool("ensure-table", false, "create the DynamoDB table if it does not exist")
		rebuildIndex = flag.Bool("rebuild-index", false, "rebuild every user challenge index entry from the challenge records")
		reconcile    = flag.Bool("reconcile", false, "repair index entries for challenges marked for reconciliation")
		sweep        = flag.Bool("sweep", false, "run one expiration sweep")
		tokenFor     = flag.String("token", "", "print a bearer token for this user id")
		tokenRole    = flag.String("role", services.RoleUser, "role for -token")
	)
	flag.Parse()

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

	if *tokenFor != "" {
		token, err := services.NewJWTService(cfg).GenerateToken(*tokenFor, *tokenRole)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(token)
		return
	}

	ctx := context.Background()

	if *ensureTable {
		if cfg.StoreBackend != config.StoreBackendDynamoDB {
			log.Fatalf("-ensure-table needs STORE_BACKEND=%s", config.StoreBackendDynamoDB)
		}
		store, err := services.NewDynamoStore(ctx, cfg, loggers.Logger(logging.SubsystemStore))
		if err != nil {
			log.Fatalf("Failed to open DynamoDB: %v", err)
		}
		if err := store.EnsureTable(ctx); err != nil {
			log.Fatalf("Failed to create table: %v", err)
		}
		log.Printf("Table %s ready", cfg.DynamoTable)
	}

	if !*rebuildIndex && !*reconcile && !*sweep {
		return
	}

	store, limiter, err := services.OpenStore(ctx, cfg, loggers.Logger(logging.SubsystemStore))
	if err != nil {
		log.Fatalf("Failed to open %s store: %v", cfg.StoreBackend, err)
	}
	defer store.Close()

	codec, err := services.NewCodec(cfg.EncryptionSecret, cfg.KDFIterations)
	if err != nil {
		log.Fatalf("Failed to set up encryption: %v", err)
	}

	ledger := services.NewLedger(store, loggers.Logger(logging.SubsystemLedger), nil)
	index := services.NewChallengeIndex(store, codec, loggers.Logger(logging.SubsystemIndex), nil)
	challenges := services.NewChallengeService(services.ChallengeServiceDeps{
		Store:    store,
		Codec:    codec,
		Ledger:   ledger,
		Index:    index,
		Gate:     services.NewGate(cfg, limiter, index),
		Notifier: services.NewLogNotifier(loggers.Logger(logging.SubsystemNotify)),
		Rules:    services.ChallengeRulesFromConfig(cfg),
		Log:      loggers.Logger(logging.SubsystemChallenge),
	})

	if *rebuildIndex {
		report, err := index.RebuildFromScratch(ctx)
		if err != nil {
			log.Fatalf("Index rebuild failed: %v", err)
		}
		log.Printf("Index rebuilt: scanned=%d indexed=%d skipped=%d", report.Scanned, report.Indexed, report.Skipped)
	}

	if *reconcile {
		fixed, err := challenges.Reconcile(ctx)
		if err != nil {
			log.Fatalf("Reconcile failed: %v", err)
		}
		log.Printf("Reconciled %d challenge(s)", fixed)
	}

	if *sweep {
		scheduler := services.NewExpirationScheduler(challenges, cfg.SweepInterval, loggers.Logger(logging.SubsystemScheduler))
		report, err := scheduler.Sweep(ctx)
		if err != nil {
			log.Fatalf("Sweep failed: %v", err)
		}
		log.Printf("Sweep: scanned=%d expired=%d flagged=%d failed=%d", report.Scanned, report.Expired, report.Flagged, report.Failed)
	}
}
