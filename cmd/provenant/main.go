package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/ssd-technologies/provenant/internal/anchor"
	"github.com/ssd-technologies/provenant/internal/capsule"
	"github.com/ssd-technologies/provenant/internal/crypto"
	"github.com/ssd-technologies/provenant/internal/keystore"
	"github.com/ssd-technologies/provenant/internal/ledger"
	"github.com/ssd-technologies/provenant/internal/lifecycle"
	"github.com/ssd-technologies/provenant/internal/server"
	"github.com/ssd-technologies/provenant/internal/storage"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	dataDir := os.Getenv("PROVENANT_DATA_DIR")
	if dataDir == "" {
		dataDir = "data"
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		log.Fatalf("Failed to create data dir: %v", err)
	}

	secret := os.Getenv("PROVENANT_SECRET")
	if secret == "" {
		log.Fatal("PROVENANT_SECRET environment variable is required")
	}
	masterSecret := os.Getenv("PROVENANT_MASTER_KEY")
	if masterSecret == "" {
		log.Fatal("PROVENANT_MASTER_KEY environment variable is required")
	}

	db, err := storage.NewDB(filepath.Join(dataDir, "provenant.db"))
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	salt, err := crypto.LoadOrGenerateSalt(filepath.Join(dataDir, "kek.salt"))
	if err != nil {
		log.Fatalf("Failed to load KEK salt: %v", err)
	}
	kek := crypto.DeriveMasterKey(masterSecret, salt)
	defer crypto.Zero(kek)

	_, signKey, err := crypto.LoadOrGenerateKeypair(filepath.Join(dataDir, "anchor.key"))
	if err != nil {
		log.Fatalf("Failed to load anchor keypair: %v", err)
	}

	keys, err := keystore.New(db, kek)
	if err != nil {
		log.Fatalf("Failed to open keystore: %v", err)
	}
	chain, err := ledger.New(db)
	if err != nil {
		log.Fatalf("Failed to open ledger: %v", err)
	}
	capsules := capsule.NewManager(db, keys, chain)
	anchors := anchor.NewEngine(db, chain, signKey, anchorConfig())
	lc := lifecycle.NewManager(db, chain, capsules, keys)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := server.New(secret, keys, capsules, chain, anchors, lc)
	srv.StartWorkers(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down...")
		cancel()
	}()

	fmt.Printf("Provenant running on http://localhost:%s\n", port)
	log.Fatal(http.ListenAndServe(":"+port, srv))
}

// anchorConfig reads the anchor cadence from the environment, falling back to
// defaults.
func anchorConfig() anchor.Config {
	cfg := anchor.DefaultConfig()
	if v := os.Getenv("PROVENANT_ANCHOR_BATCH"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			log.Fatalf("Invalid PROVENANT_ANCHOR_BATCH: %q", v)
		}
		cfg.Batch = n
	}
	if v := os.Getenv("PROVENANT_ANCHOR_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("Invalid PROVENANT_ANCHOR_INTERVAL: %q", v)
		}
		cfg.Interval = d
	}
	return cfg
}
