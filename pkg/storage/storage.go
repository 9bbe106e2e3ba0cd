// Package storage persists battle-round images behind a small key/value
// interface with local-directory and S3 backends.
package storage

import (
	"context"
	"fmt"
)

// Store reads and writes image blobs by key. Get returns (nil, nil) when the
// key does not exist.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Config selects and configures a backend.
type Config struct {
	Backend string      `yaml:"backend" mapstructure:"backend"` // "local" or "s3"
	Local   LocalConfig `yaml:"local" mapstructure:"local"`
	S3      S3Config    `yaml:"s3" mapstructure:"s3"`
}

// LocalConfig configures the directory backend.
type LocalConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// S3Config configures the S3 backend.
type S3Config struct {
	Endpoint  string `yaml:"endpoint" mapstructure:"endpoint"`
	Region    string `yaml:"region" mapstructure:"region"`
	Bucket    string `yaml:"bucket" mapstructure:"bucket"`
	AccessKey string `yaml:"access_key" mapstructure:"access_key"`
	SecretKey string `yaml:"secret_key" mapstructure:"secret_key"`
	Prefix    string `yaml:"prefix" mapstructure:"prefix"`
	PathStyle bool   `yaml:"path_style" mapstructure:"path_style"`
}

// New creates the store selected by cfg.Backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.Local.Dir)
	case "s3":
		return NewS3Store(cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
