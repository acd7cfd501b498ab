package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// FileName is the per-package config file at the package root.
const FileName = "DPM.toml"

// Config represents the configuration of one package.
type Config struct {
	LogDir     string           `toml:"log_dir"`
	Package    PackageConfig    `toml:"package"`
	Database   DatabaseConfig   `toml:"database"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
	Remote     RemoteConfig     `toml:"remote"`
	Cache      CacheConfig      `toml:"cache"`
	Server     ServerConfig     `toml:"server"`
	Build      BuildConfig      `toml:"build"`
	Filesystem FilesystemConfig `toml:"filesystem"`
}

// PackageConfig identifies the package.
type PackageConfig struct {
	Name     string `toml:"name"`
	Language string `toml:"language,omitempty"`
	// TranslationOf is the root of the original package, relative to this
	// package's root or absolute. Empty for non-translation packages.
	TranslationOf string `toml:"translation_of,omitempty"`
}

// DatabaseConfig represents configuration for the local state database.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type DatabaseConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite; defaults to <root>/.dpm
}

// ArchiveConfig represents configuration for the history archive backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type      string `toml:"type"` // "package" (default), "memory" or "s3"
	Encrypted bool   `toml:"encrypted,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"` // S3-compatible servers; forces path-style addressing

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used for encrypted archives.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// RemoteConfig selects the snapshot owner the package syncs with.
type RemoteConfig struct {
	Type string `toml:"type,omitempty"` // "" (package is its own remote) or "http"
	URL  string `toml:"url,omitempty"`
}

// CacheConfig selects the render cache used by `dpm serve`.
type CacheConfig struct {
	Type      string `toml:"type"` // "memory" (default), "redis" or "none"
	RedisAddr string `toml:"redis_addr,omitempty"`
	RedisDB   int    `toml:"redis_db,omitempty"`
}

// ServerConfig holds `dpm serve` settings.
type ServerConfig struct {
	Bind string `toml:"bind"`
	Port int    `toml:"port"`
}

// BuildConfig holds `dpm build` settings.
type BuildConfig struct {
	BaseURL string `toml:"base_url"`
	Workers int    `toml:"workers"`
}

// FilesystemConfig holds filesystem-related settings.
type FilesystemConfig struct {
	Ignore []string `toml:"ignore"`
}

// NewConfig creates a new Config for a package with default settings.
// homeDir holds logs and encryption keys shared by all packages.
func NewConfig(name, homeDir string) *Config {
	return &Config{
		LogDir:   filepath.Join(homeDir, "log"),
		Package:  PackageConfig{Name: name},
		Database: DatabaseConfig{Type: "sqlite"},
		Archive:  ArchiveConfig{Type: "package"},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(homeDir, "keys", "dpm.pub"),
			PrivateKeyPath: filepath.Join(homeDir, "keys", "dpm.key"),
		},
		Cache:  CacheConfig{Type: "memory"},
		Server: ServerConfig{Bind: "127.0.0.1", Port: 8000},
		Build:  BuildConfig{BaseURL: "/", Workers: 4},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// ReadFromRoot reads the DPM.toml of the package at root.
func ReadFromRoot(root string) (*Config, error) {
	return ReadFromFile(filepath.Join(root, FileName))
}

// Init writes cfg as a new config file at path. An existing file is never
// overwritten.
func Init(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("config file already exists at %s", path)
		}
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
