package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lazypower/spiral/internal/config"
	"github.com/lazypower/spiral/internal/engine"
	"github.com/lazypower/spiral/internal/server"
	"github.com/lazypower/spiral/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the spiral HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func runServe() error {
	cfg, db, eng, err := openEngine()
	if err != nil {
		return err
	}
	defer db.Close()

	if engine.ProbeOllama(cfg.Embedding.OllamaURL, cfg.Embedding.Model) {
		eng.SetEmbedder(engine.NewOllamaEmbedder(cfg.Embedding.OllamaURL, cfg.Embedding.Model, cfg.Embedding.Dimensions))
		log.Printf("embedder: ollama %s at %s", cfg.Embedding.Model, cfg.Embedding.OllamaURL)
	} else {
		log.Printf("embedder: ollama unreachable at %s, similarity search disabled", cfg.Embedding.OllamaURL)
	}

	eng.StartDecayTimer()
	defer eng.Stop()

	// Nodes stored while the embedder was unreachable have no vectors;
	// backfill them without blocking startup.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if n, err := eng.EmbedMissing(ctx); err != nil {
			log.Printf("embed backfill: %v", err)
		} else if n > 0 {
			log.Printf("embed backfill: %d nodes", n)
		}
	}()

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: server.New(db, eng, VersionString()),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("spiral %s listening on %s (db: %s)", Version, cfg.ListenAddr(), cfg.DBPath())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openEngine loads config, opens the database, builds the vector index, and
// wires the engine. Shared by serve and the one-shot subcommands.
func openEngine() (config.Config, *store.DB, *engine.Engine, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, nil, nil, err
	}
	if cfg.DataDir == "" {
		dir, err := store.DefaultDataDir()
		if err != nil {
			return config.Config{}, nil, nil, err
		}
		cfg.DataDir = dir
	}

	db, err := store.Open(cfg.DBPath())
	if err != nil {
		return config.Config{}, nil, nil, fmt.Errorf("open database: %w", err)
	}

	index := store.NewVectorIndex(db, cfg.Embedding.Dimensions)
	eng := engine.New(db, index, cfg)
	return cfg, db, eng, nil
}
