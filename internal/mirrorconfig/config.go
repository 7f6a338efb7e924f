// Package mirrorconfig loads the mirror's runtime configuration the way
// alxyedek-brm-server's pkg/config does: koanf.Koanf fed by an optional YAML
// file and environment variables, unmarshalled into a typed struct. Unlike
// that teacher, a config file is optional here — env vars alone are enough
// to run the mirror, per SPEC_FULL.md's ambient-config design.
package mirrorconfig

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config is the mirror's full runtime configuration.
type Config struct {
	IndexDir         string `koanf:"index_dir"`
	IndexUpstreamURL string `koanf:"index_upstream_url"`
	DesiredDL        string `koanf:"desired_dl"`
	DesiredAPI       string `koanf:"desired_api"`
	OriginBaseURL    string `koanf:"origin_base_url"`

	S3Bucket   string `koanf:"s3_bucket"`
	S3Endpoint string `koanf:"s3_endpoint"`
	S3Region   string `koanf:"s3_region"`

	IMDSURL string `koanf:"imds_url"`

	Workers      int           `koanf:"workers"`
	PollInterval time.Duration `koanf:"poll_interval"`
	RetryBackoff time.Duration `koanf:"retry_backoff"`
	ListenAddr   string        `koanf:"listen_addr"`
}

const envPrefix = "MIRROR_"

// defaults is the lowest-precedence layer Load starts from, so a bare
// environment still produces a runnable Config.
func defaults() Config {
	return Config{
		IndexUpstreamURL: "https://github.com/rust-lang/crates.io-index",
		DesiredDL:        "https://static.crates.io/crates/{crate}/{crate}-{version}.crate",
		DesiredAPI:       "https://crates.io",
		OriginBaseURL:    "https://static.crates.io",
		Workers:          10,
		PollInterval:     300 * time.Second,
		RetryBackoff:     10 * time.Second,
		ListenAddr:       ":8080",
	}
}

// Load reads configuration from, in increasing precedence order: built-in
// defaults, an optional YAML file at $MIRROR_CONFIG_DIR/application.yaml
// (skipped entirely if that directory or file doesn't exist), and
// environment variables prefixed MIRROR_ (MIRROR_INDEX_DIR -> index_dir).
func Load() (Config, error) {
	k := koanf.New(".")

	cfg := defaults()
	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("mirrorconfig: load defaults: %w", err)
	}

	if configDir := os.Getenv("MIRROR_CONFIG_DIR"); configDir != "" {
		path := filepath.Join(configDir, "application.yaml")
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("mirrorconfig: load %s: %w", path, err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ToLower(s)
	}), nil); err != nil {
		return Config{}, fmt.Errorf("mirrorconfig: load environment: %w", err)
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return Config{}, fmt.Errorf("mirrorconfig: unmarshal: %w", err)
	}
	return out, nil
}
