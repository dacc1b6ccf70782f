package configuration

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const baseName = "application"

var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads application.yml from dir, overlays application-<profile>.yml
// and validates the result.
func Load(dir string) (*Properties, error) {
	cfg := defaults()

	if err := decodeFile(dir, baseName, &cfg); err != nil {
		slog.Error("error loading base config", "error", err)
		return nil, err
	}

	if cfg.App.Profile == "" {
		return nil, fmt.Errorf("%w: app.profile is not set", ErrInvalidConfig)
	}

	if err := decodeFile(dir, baseName+"-"+cfg.App.Profile, &cfg); err != nil {
		slog.Error("error loading profile config", "profile", cfg.App.Profile, "error", err)
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (p *Properties) Validate() error {
	switch {
	case p.Node.ID == 0:
		return fmt.Errorf("%w: node.id must be non-zero", ErrInvalidConfig)
	case p.Storage.Dir == "":
		return fmt.Errorf("%w: storage.dir is empty", ErrInvalidConfig)
	case p.Transport.Port == "":
		return fmt.Errorf("%w: transport.port is empty", ErrInvalidConfig)
	case p.Transport.HealthInterval <= 0:
		return fmt.Errorf("%w: transport.health-interval must be positive", ErrInvalidConfig)
	}
	return nil
}

func decodeFile(dir, name string, cfg *Properties) error {
	raw, err := loadAndExpandYaml(dir, name)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
		return fmt.Errorf("parse %s.yml: %w", name, err)
	}

	return nil
}

func loadAndExpandYaml(dir, name string) (string, error) {
	file := filepath.Join(dir, name+".yml")
	if _, err := os.Stat(file); err != nil {
		return "", fmt.Errorf("%s.yml not found", name)
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("read file: %w", err)
	}

	return ExpandEnvStrict(string(raw))
}
