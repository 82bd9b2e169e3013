// Package config loads node settings from the environment and an
// optional YAML file. Env wins over YAML, which wins over defaults, so
// a fleet can share one file and override per box with env.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds everything a box needs to come up.
type Config struct {
	// SongsDir is the catalog root; must be identical on every node.
	SongsDir string `yaml:"songs_dir"`
	// NodeAddr overrides the NIC-derived identifier (hex or MAC form).
	NodeAddr string `yaml:"node_addr"`

	// Radio wiring.
	SPIDev   string `yaml:"spi_dev"`
	GPIOChip string `yaml:"gpio_chip"`
	GDO0Line int    `yaml:"gdo0_line"`

	// JournalPath enables the sqlite event journal when set.
	JournalPath string `yaml:"journal_path"`
	// HTTPAddr enables /metrics and /status.json when set.
	HTTPAddr string `yaml:"http_addr"`
	// CatalogSnapshot writes the scanned catalog as JSON when set, for
	// pre-performance diffing across nodes.
	CatalogSnapshot string `yaml:"catalog_snapshot"`
}

// Load reads config from environment. Call LoadEnvFile(".env") first to
// use a .env file.
func Load() *Config {
	return &Config{
		SongsDir:        getEnv("SINGING_BOX_SONGS", "tracks"),
		NodeAddr:        os.Getenv("SINGING_BOX_ADDR"),
		SPIDev:          getEnv("SINGING_BOX_SPI", "SPI0.0"),
		GPIOChip:        getEnv("SINGING_BOX_GPIO_CHIP", "gpiochip0"),
		GDO0Line:        getEnvInt("SINGING_BOX_GDO0", 25),
		JournalPath:     os.Getenv("SINGING_BOX_JOURNAL"),
		HTTPAddr:        os.Getenv("SINGING_BOX_HTTP"),
		CatalogSnapshot: os.Getenv("SINGING_BOX_CATALOG_SNAPSHOT"),
	}
}

// MergeFile folds a YAML file under the current values: only fields the
// environment left at their defaults are replaced.
func (c *Config) MergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	// A field set through its env var keeps the env value.
	merge := func(cur *string, fileVal, envKey string) {
		if os.Getenv(envKey) == "" && fileVal != "" {
			*cur = fileVal
		}
	}
	merge(&c.SongsDir, file.SongsDir, "SINGING_BOX_SONGS")
	merge(&c.NodeAddr, file.NodeAddr, "SINGING_BOX_ADDR")
	merge(&c.SPIDev, file.SPIDev, "SINGING_BOX_SPI")
	merge(&c.GPIOChip, file.GPIOChip, "SINGING_BOX_GPIO_CHIP")
	merge(&c.JournalPath, file.JournalPath, "SINGING_BOX_JOURNAL")
	merge(&c.HTTPAddr, file.HTTPAddr, "SINGING_BOX_HTTP")
	merge(&c.CatalogSnapshot, file.CatalogSnapshot, "SINGING_BOX_CATALOG_SNAPSHOT")
	if os.Getenv("SINGING_BOX_GDO0") == "" && file.GDO0Line != 0 {
		c.GDO0Line = file.GDO0Line
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
