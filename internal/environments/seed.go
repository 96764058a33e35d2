package environments

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape of an environments seed file. Operators drop
// one into the config dir to pre-provision templates on first boot.
type seedFile struct {
	Environments []seedEnvironment `yaml:"environments"`
}

type seedEnvironment struct {
	Name              string         `yaml:"name"`
	SandboxType       string         `yaml:"sandboxType"`
	Config            ProviderConfig `yaml:"config"`
	IdleAfterSec      int            `yaml:"idleAfterSec"`
	TerminateAfterSec int            `yaml:"terminateAfterSec"`
	IsDefault         bool           `yaml:"isDefault"`
}

// SeedFromFile loads environments from a YAML file when the table is empty.
// A missing file is not an error; an empty store with no seed file gets a
// single default mock environment so sessions can be created out of the box.
func (s *Store) SeedFromFile(ctx context.Context, path string) error {
	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s.seedBuiltin(ctx)
		}
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed seedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file %s: %w", path, err)
	}
	if len(seed.Environments) == 0 {
		return s.seedBuiltin(ctx)
	}

	for _, se := range seed.Environments {
		cfg, err := json.Marshal(se.Config)
		if err != nil {
			return fmt.Errorf("encode seed config for %s: %w", se.Name, err)
		}
		env := &Environment{
			Name:              se.Name,
			SandboxType:       se.SandboxType,
			Config:            cfg,
			IdleAfterSec:      se.IdleAfterSec,
			TerminateAfterSec: se.TerminateAfterSec,
			IsDefault:         se.IsDefault,
		}
		if err := s.Create(ctx, env); err != nil {
			return fmt.Errorf("seed environment %s: %w", se.Name, err)
		}
	}
	s.logger.Info("seeded environments from file",
		zap.String("path", path),
		zap.Int("count", len(seed.Environments)))
	return nil
}

func (s *Store) seedBuiltin(ctx context.Context) error {
	env := &Environment{
		Name:        "default",
		SandboxType: SandboxTypeMock,
		IsDefault:   true,
	}
	if err := s.Create(ctx, env); err != nil {
		return fmt.Errorf("seed builtin environment: %w", err)
	}
	s.logger.Info("seeded builtin default environment", zap.String("id", env.ID))
	return nil
}
