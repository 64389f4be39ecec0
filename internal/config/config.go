package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// CompressionCodec names a table layout. CodecNone selects the uncompressed
// layout; the others select the block-compressed layout with that algorithm.
type CompressionCodec string

const (
	CodecNone CompressionCodec = "none"
	CodecLZ4  CompressionCodec = "lz4"
	CodecZstd CompressionCodec = "zstd"
)

// CompressionConfig selects the on-disk table layout.
type CompressionConfig struct {
	Codec     CompressionCodec `yaml:"codec"`
	BlockSize int              `yaml:"block_size"`
}

// Config holds all settings recognized by the store.
type Config struct {
	// FlushThresholdBytes is the memtable size at which a background flush
	// is triggered.
	FlushThresholdBytes int64  `yaml:"flush_threshold_bytes"`
	StorageDir          string `yaml:"storage_dir"`

	Compression CompressionConfig `yaml:"compression"`
}

// Default returns a baseline development config.
func Default() Config {
	return Config{
		FlushThresholdBytes: 4 * 1024 * 1024,
		StorageDir:          "./data",
		Compression: CompressionConfig{
			Codec:     CodecNone,
			BlockSize: 64 * 1024,
		},
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.FlushThresholdBytes <= 0 {
		return fmt.Errorf("flush_threshold_bytes must be positive, got %d", c.FlushThresholdBytes)
	}
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir must be set")
	}
	switch c.Compression.Codec {
	case CodecNone:
	case CodecLZ4, CodecZstd:
		if c.Compression.BlockSize <= 0 {
			return fmt.Errorf("compression.block_size must be positive, got %d", c.Compression.BlockSize)
		}
	default:
		return fmt.Errorf("unknown compression codec %q", c.Compression.Codec)
	}
	return nil
}
