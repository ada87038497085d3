package commands

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/agentdiff/agentdiff/internal/api"
	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/store"
	"github.com/agentdiff/agentdiff/internal/template"
)

var (
	bundleDir  string
	apiKey     string
	apiKeyName string
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load template bundles and API keys into the platform store",
	Long: `Load service template bundles from a directory of YAML files and
register them in the template catalog. Optionally registers an API key
for platform access. Safe to re-run; existing templates are skipped.`,
	Run: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&bundleDir, "bundles", "", "Directory of template bundle YAML files")
	seedCmd.Flags().StringVar(&apiKey, "api-key", "", "Plaintext API key to register (stored hashed)")
	seedCmd.Flags().StringVar(&apiKeyName, "api-key-name", "default", "Display name for the registered API key")
}

func runSeed(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger := logging.GetLogger("seed")

	if bundleDir == "" && apiKey == "" {
		HandleError(errors.New("pass --bundles and/or --api-key"), "Nothing to seed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool := store.NewPool(cfg.DatabaseURL, cfg.MaxConns)
	HandleError(pool.Start(ctx), "Failed to connect to database")
	defer pool.Stop(context.Background())
	HandleError(store.Migrate(ctx, pool), "Migration failed")

	meta := store.NewMetadata(pool)

	if bundleDir != "" {
		reflector, err := store.NewReflector(pool)
		HandleError(err, "Failed to create schema reflector")
		registry := template.NewRegistry(meta, reflector, store.NewRouter(pool, meta))

		templates, err := template.LoadDir(bundleDir)
		HandleError(err, "Failed to load template bundles")

		loaded := 0
		for _, t := range templates {
			if err := registry.Create(ctx, t); err != nil {
				if errors.Is(err, store.ErrConflict) {
					logger.Info("Template %s:%s already present, skipping", t.Service, t.Name)
					continue
				}
				HandleError(err, "Failed to register template")
			}
			loaded++
		}
		logger.Info("Registered %d of %d template(s) from %s", loaded, len(templates), bundleDir)
	}

	if apiKey != "" {
		id := uuid.NewString()
		if err := meta.CreateAPIKey(ctx, id, apiKeyName, api.HashKey(apiKey)); err != nil {
			if errors.Is(err, store.ErrConflict) {
				logger.Info("API key %q already registered", apiKeyName)
			} else {
				HandleError(err, "Failed to register API key")
			}
		} else {
			logger.Info("Registered API key %q (%s)", apiKeyName, id)
		}
	}
}
