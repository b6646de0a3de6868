package main

import (
	"context"
	"fmt"
	"os"

	"gryns/tower-server/internal/config"
	"gryns/tower-server/internal/plants"
	"gryns/tower-server/internal/store"
)

func loadLibrary(cfg config.Config) (*plants.Index, error) {
	if cfg.PlantLibrary != "" {
		return plants.Load(cfg.PlantLibrary)
	}
	return plants.Default()
}

// openState opens the configured database for offline commands. The
// database must already exist; these commands never create one.
func openState(ctx context.Context) (*store.Store, *plants.Index, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if _, err := os.Stat(cfg.DatabasePath); err != nil {
		return nil, nil, fmt.Errorf("open database %s: %w", cfg.DatabasePath, err)
	}
	library, err := loadLibrary(cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("load plant library: %w", err)
	}
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return st, library, nil
}
