package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/lunarpod/internal/engine/blocks"
	"github.com/loykin/lunarpod/internal/engine/orbit"
	"github.com/loykin/lunarpod/internal/engine/p2p"
	"github.com/loykin/lunarpod/internal/history"
	"github.com/loykin/lunarpod/internal/history/factory"
	"github.com/loykin/lunarpod/internal/idref"
	"github.com/loykin/lunarpod/internal/logbook"
	"github.com/loykin/lunarpod/internal/logger"
	"github.com/loykin/lunarpod/internal/metrics"
	"github.com/loykin/lunarpod/internal/pod"
	"github.com/loykin/lunarpod/internal/podbay"
	"github.com/loykin/lunarpod/internal/process"
	tlsx "github.com/loykin/lunarpod/internal/tls"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LUNARPOD_SERVER_LISTEN.
const EnvPrefix = "LUNARPOD"

// Config is the daemon configuration.
type Config struct {
	// EnvFiles are dotenv files holding LUNARPOD_* overrides. Real
	// environment variables win over values from these files.
	EnvFiles []string      `mapstructure:"env_files"`
	Log      logger.Config `mapstructure:"log"`
	LogBook  LogBookConfig `mapstructure:"logbook"`
	ID       IDConfig      `mapstructure:"id"`
	Server   ServerConfig  `mapstructure:"server"`
	Libp2p   Libp2pConfig  `mapstructure:"libp2p"`
	Ipfs     blocks.Config `mapstructure:"ipfs"`
	OrbitDb  OrbitDbConfig `mapstructure:"orbitdb"`
	History  []string      `mapstructure:"history"`
	Metrics  MetricsConfig `mapstructure:"metrics"`
}

type LogBookConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type IDConfig struct {
	NameType string `mapstructure:"name_type"`
}

type ServerConfig struct {
	Listen         string        `mapstructure:"listen"`
	BasePath       string        `mapstructure:"base_path"`
	CORSOrigin     string        `mapstructure:"cors_origin"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	TLS            tlsx.Config   `mapstructure:"tls"`
}

type Libp2pConfig struct {
	ListenAddrs []string `mapstructure:"listen_addrs"`
	AutoStart   bool     `mapstructure:"auto_start"`
}

type OrbitDbConfig struct {
	Dir      string         `mapstructure:"dir"`
	Identity IdentityConfig `mapstructure:"identity"`
	// OpenTimeout bounds one database open shared by concurrent requests.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// IdentityConfig selects the signing identity. Seed is a hex encoded 32 byte
// ed25519 seed used by the did provider.
type IdentityConfig struct {
	Provider string `mapstructure:"provider"`
	Seed     string `mapstructure:"seed"`
}

// MetricsConfig enables /metrics. Listen, when set, also serves it on a
// separate address.
type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Listen    string                 `mapstructure:"listen"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

// defaults holds every key so environment overrides resolve even when the
// file does not mention them.
func defaults() map[string]any {
	l := logger.DefaultConfig()
	return map[string]any{
		"env_files":                     []string{},
		"log.slog.level":                string(l.Slog.Level),
		"log.slog.format":               string(l.Slog.Format),
		"log.slog.color":                l.Slog.Color,
		"log.slog.timestamps":           l.Slog.TimeStamps,
		"log.slog.source":               false,
		"log.file.dir":                  "",
		"log.file.path":                 "",
		"log.file.max_size_mb":          logger.DefaultMaxSizeMB,
		"log.file.max_backups":          logger.DefaultMaxBackups,
		"log.file.max_age_days":         logger.DefaultMaxAgeDays,
		"log.file.compress":             false,
		"logbook.max_entries":           logbook.DefaultMaxEntries,
		"id.name_type":                  string(idref.NameUUID),
		"server.listen":                 "127.0.0.1:8080",
		"server.base_path":              "/api",
		"server.cors_origin":            "",
		"server.request_timeout":        30 * time.Second,
		"server.tls.enabled":            false,
		"server.tls.cert_file":          "",
		"server.tls.key_file":           "",
		"server.tls.dir":                "",
		"server.tls.auto_generate":      false,
		"server.tls.min_version":        "",
		"server.tls.max_version":        "",
		"server.tls.common_name":        "",
		"server.tls.hosts":              []string{},
		"server.tls.valid_days":         0,
		"libp2p.listen_addrs":           p2p.DefaultConfig().ListenAddrs,
		"libp2p.auto_start":             true,
		"ipfs.dir":                      "",
		"ipfs.fetch_timeout":            10 * time.Second,
		"orbitdb.dir":                   "",
		"orbitdb.identity.provider":     process.IdentityPublicKey,
		"orbitdb.identity.seed":         "",
		"orbitdb.open_timeout":          2 * time.Minute,
		"history":                       []string{},
		"metrics.enabled":               true,
		"metrics.listen":                "",
		"metrics.resources.enabled":     false,
		"metrics.resources.interval":    5 * time.Second,
		"metrics.resources.max_history": 100,
	}
}

// Default returns the configuration used without a file or overrides.
func Default() *Config {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		panic(err)
	}
	return &c
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, val := range defaults() {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path (JSON, TOML or YAML by extension) over the defaults and
// applies LUNARPOD_* environment overrides. An empty path loads defaults and
// environment only.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), "."); ext == "" {
			v.SetConfigType("toml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := applyEnvFiles(v, v.GetStringSlice("env_files")); err != nil {
		return nil, err
	}
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// applyEnvFiles sets keys named by LUNARPOD_* entries in the dotenv files,
// later files overriding earlier ones. Variables already present in the
// process environment are left to AutomaticEnv.
func applyEnvFiles(v *viper.Viper, files []string) error {
	merged := make(map[string]string)
	for _, p := range files {
		m, err := loadEnvFile(p)
		if err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
		for k, val := range m {
			merged[k] = val
		}
	}
	if len(merged) == 0 {
		return nil
	}
	for _, key := range v.AllKeys() {
		name := EnvName(key)
		val, ok := merged[name]
		if !ok {
			continue
		}
		if _, set := os.LookupEnv(name); set {
			continue
		}
		v.Set(key, val)
	}
	return nil
}

// EnvName returns the environment variable overriding key.
func EnvName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// loadEnvFile parses KEY=VALUE lines. Blank lines and lines starting with #
// are ignored; an optional "export " prefix and surrounding quotes are
// stripped.
func loadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		i := strings.IndexByte(line, '=')
		if i < 0 {
			continue
		}
		k := strings.TrimSpace(line[:i])
		if k == "" {
			continue
		}
		val := strings.TrimSpace(line[i+1:])
		if len(val) >= 2 && (val[0] == '"' || val[0] == '\'') && val[len(val)-1] == val[0] {
			val = val[1 : len(val)-1]
		}
		m[k] = val
	}
	return m, nil
}

// Validate checks values that would otherwise fail late, at pod creation.
func (c *Config) Validate() error {
	var errs []error
	switch idref.NameType(strings.ToLower(strings.TrimSpace(c.ID.NameType))) {
	case idref.NameUUID, idref.NameWords, idref.NameRandom, "", "name", "words", "string":
	default:
		errs = append(errs, fmt.Errorf("id.name_type: unknown strategy %q", c.ID.NameType))
	}
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.RequestTimeout < 0 {
		errs = append(errs, errors.New("server.request_timeout must not be negative"))
	}
	if c.OrbitDb.OpenTimeout < 0 {
		errs = append(errs, errors.New("orbitdb.open_timeout must not be negative"))
	}
	if err := c.Server.TLS.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("server.tls: %w", err))
	}
	if _, err := c.Identity(); err != nil {
		errs = append(errs, err)
	}
	for i, dsn := range c.History {
		if strings.TrimSpace(dsn) == "" {
			errs = append(errs, fmt.Errorf("history[%d]: empty DSN", i))
		}
	}
	return errors.Join(errs...)
}

// NameType is the id generation strategy for pods and databases.
func (c *Config) NameType() idref.NameType { return idref.ParseNameType(c.ID.NameType) }

// Identity decodes the database signing identity.
func (c *Config) Identity() (process.Identity, error) {
	id := process.Identity{Provider: strings.ToLower(strings.TrimSpace(c.OrbitDb.Identity.Provider))}
	switch id.Provider {
	case "", process.IdentityPublicKey, process.IdentityDID:
	default:
		return process.Identity{}, fmt.Errorf("orbitdb.identity.provider: unknown provider %q", c.OrbitDb.Identity.Provider)
	}
	if s := strings.TrimSpace(c.OrbitDb.Identity.Seed); s != "" {
		seed, err := hex.DecodeString(s)
		if err != nil || len(seed) != 32 {
			return process.Identity{}, errors.New("orbitdb.identity.seed must be 64 hex characters")
		}
		id.Seed = seed
	}
	return id, nil
}

// Engines builds the engine factories of every pod. The block store logs
// through l.
func (c *Config) Engines(l *slog.Logger) pod.Engines {
	ipfs := c.Ipfs
	ipfs.Logger = l
	return pod.Engines{
		Libp2p:  p2p.Factory(p2p.Config{ListenAddrs: c.Libp2p.ListenAddrs}),
		Ipfs:    blocks.Factory(ipfs),
		OrbitDb: orbit.Factory(orbit.Config{Dir: c.OrbitDb.Dir}),
	}
}

// PodBayOptions derives the bay options with real engines.
func (c *Config) PodBayOptions(l *slog.Logger) (podbay.Options, error) {
	id, err := c.Identity()
	if err != nil {
		return podbay.Options{}, err
	}
	nt := c.NameType()
	return podbay.Options{
		Pod: pod.Options{
			Engines:   c.Engines(l),
			Identity:  id,
			AutoStart: c.Libp2p.AutoStart,
			NameType:  nt,
		},
		NameType:    nt,
		OpenTimeout: c.OrbitDb.OpenTimeout,
	}, nil
}

// Sinks opens a history sink per configured DSN. Sinks opened before a
// failure are closed.
func (c *Config) Sinks() ([]history.Sink, error) {
	out := make([]history.Sink, 0, len(c.History))
	for _, dsn := range c.History {
		s, err := factory.NewSinkFromDSN(dsn)
		if err != nil {
			for _, o := range out {
				if cl, ok := o.(io.Closer); ok {
					_ = cl.Close()
				}
			}
			return nil, fmt.Errorf("history sink: %w", err)
		}
		out = append(out, s)
	}
	return out, nil
}
