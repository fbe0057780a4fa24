package commands

import (
	"context"
	"os"
	"path/filepath"

	"peerwatch/config"

	log "github.com/sirupsen/logrus"
)

// RunInit writes a config with default settings. An existing config file is left alone.
func RunInit(ctx context.Context, cfg *config.Config, path string) {
	if _, err := os.Stat(path); err == nil {
		log.Fatalf("Config %s already exists", path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Fatalf("Failed to create config directory: %v", err)
	}

	if err := cfg.Save(); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	log.Infof("Wrote default config to %s", path)
}
