package app

import (
	"fmt"
	"os"

	"pvlab/internal/config"
)

// ResolveConfig loads lab.yml from the workspace, seeding a default config
// file on first use so a fresh checkout works without setup.
func ResolveConfig(workspace, labOverride string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		labID := labOverride
		if labID == "" {
			labID = "default-lab"
		}
		cfg = config.Default(labID)
		if err := os.WriteFile(config.Path(workspace), []byte(config.GenerateDefault(labID)), 0o644); err != nil {
			return nil, fmt.Errorf("seed lab config: %w", err)
		}
	}
	if labOverride != "" {
		cfg.Lab.ID = labOverride
	}
	return cfg, nil
}
