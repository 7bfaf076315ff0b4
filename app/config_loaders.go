package chatsync

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/joho/godotenv"
)

type ConfigLoader interface {
	Load() (*Config, error)
}

// EnvConfigLoader loads .env files into the environment and then the configuration
// from File and CHATSYNC_ variables. Variables already set in the environment win
// over .env values. A missing .env file is ignored.
type EnvConfigLoader struct {
	// File is an optional config file. When empty ./chatsync.yaml is used if present.
	File string
	// DotEnv lists the .env files to load. The default is .env.
	DotEnv []string
}

func (l *EnvConfigLoader) Load() (*Config, error) {
	if err := LoadDotEnv(l.DotEnv...); err != nil {
		return nil, err
	}
	return LoadConfig(l.File)
}

// LoadSim loads the development server configuration the same way as Load.
func (l *EnvConfigLoader) LoadSim() (*SimConfig, error) {
	if err := LoadDotEnv(l.DotEnv...); err != nil {
		return nil, err
	}
	return LoadSimConfig(l.File)
}

// LoadDotEnv loads the given .env files, or .env when none are given, skipping
// files that do not exist.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// StaticConfigLoader returns a fixed configuration.
type StaticConfigLoader struct {
	Config *Config
}

func (l *StaticConfigLoader) Load() (*Config, error) {
	if l.Config == nil {
		return nil, errors.New("no config")
	}
	return l.Config, nil
}
