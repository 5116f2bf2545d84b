// server/config.go
// Copyright(c) 2022 the cdpserver authors
// BSD licensed; see LICENSE for details.

package server

import (
	"io/ioutil"
	"os"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/cdpfgl/cdpserver/storage"
)

const (
	DefaultPort      = 5468
	DefaultDirectory = "/var/tmp/cdpfgl/server"
	DefaultDirLevel  = 2
)

// Config is the server's configuration file. All sections and keys are
// optional; zero values fall back to the defaults above.
type Config struct {
	Server struct {
		Port int    `toml:"port"`
		IP   string `toml:"ip"`
	} `toml:"Server"`

	FileBackend struct {
		Directory string `toml:"file-directory"`
		DirLevel  int    `toml:"dir-level"`
	} `toml:"file_backend"`

	// A non-empty bucket selects the GCS backend instead of the
	// file backend.
	GCSBackend struct {
		Bucket                    string `toml:"bucket"`
		ProjectId                 string `toml:"project-id"`
		MaxUploadBytesPerSecond   int    `toml:"max-upload-bytes-per-second"`
		MaxDownloadBytesPerSecond int    `toml:"max-download-bytes-per-second"`
	} `toml:"gcs_backend"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Server.Port = DefaultPort
	cfg.FileBackend.Directory = DefaultDirectory
	cfg.FileBackend.DirLevel = DefaultDirLevel
	return cfg
}

// LoadConfig reads a configuration file. An empty path or a missing
// file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		log.Warnf("%s: not found, using defaults", path)
		return cfg, nil
	} else if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.FileBackend.Directory == "" {
		cfg.FileBackend.Directory = DefaultDirectory
	}
	if cfg.FileBackend.DirLevel == 0 {
		cfg.FileBackend.DirLevel = DefaultDirLevel
	}
	return cfg, nil
}

// NewBackend opens the storage backend the configuration selects.
func NewBackend(cfg *Config) (storage.Backend, error) {
	if cfg.GCSBackend.Bucket != "" {
		return storage.NewGCS(storage.GCSOptions{
			BucketName:                cfg.GCSBackend.Bucket,
			ProjectId:                 cfg.GCSBackend.ProjectId,
			MaxUploadBytesPerSecond:   cfg.GCSBackend.MaxUploadBytesPerSecond,
			MaxDownloadBytesPerSecond: cfg.GCSBackend.MaxDownloadBytesPerSecond,
		})
	}
	return storage.NewFile(cfg.FileBackend.Directory, cfg.FileBackend.DirLevel)
}
