// Package config holds the csync configuration and its viper loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/openmined/csync/internal/backend/s3"
	"github.com/openmined/csync/internal/filter"
	"github.com/openmined/csync/internal/target"
	"github.com/openmined/csync/internal/utils"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	EnvPrefix = "CSYNC"
	// DefaultBackupSubdir is where the staging area lives when no backup directory is set.
	DefaultBackupSubdir = "snapshots/_syncer"
	JournalFileName     = "csync.db"
	LockFileName        = "csync.lock"
)

var (
	home, _            = os.UserHomeDir()
	DefaultConfigDir   = filepath.Join(home, ".csync")
	DefaultConfigPath  = filepath.Join(DefaultConfigDir, "config.json")
	DefaultLogFilePath = filepath.Join(DefaultConfigDir, "logs", "csync.log")
)

var (
	ErrMissingSource = errors.New("source directory is required")
	ErrMissingTarget = errors.New("target url is required")
)

type S3Config struct {
	Region    string `json:"region,omitempty" yaml:"region,omitempty" mapstructure:"region"`
	Endpoint  string `json:"endpoint,omitempty" yaml:"endpoint,omitempty" mapstructure:"endpoint"`
	AccessKey string `json:"access_key,omitempty" yaml:"access_key,omitempty" mapstructure:"access_key"`
	SecretKey string `json:"secret_key,omitempty" yaml:"secret_key,omitempty" mapstructure:"secret_key"`
}

type Config struct {
	Source          string   `json:"source" yaml:"source" mapstructure:"source"`
	Target          string   `json:"target" yaml:"target" mapstructure:"target"`
	BackupDirectory string   `json:"backup_dir,omitempty" yaml:"backup_dir,omitempty" mapstructure:"backup_dir"`
	FileFilter      string   `json:"filter,omitempty" yaml:"filter,omitempty" mapstructure:"filter"`
	IndexFilter     string   `json:"index_filter,omitempty" yaml:"index_filter,omitempty" mapstructure:"index_filter"`
	HTTPAddr        string   `json:"http_addr,omitempty" yaml:"http_addr,omitempty" mapstructure:"http_addr"`
	NoJournal       bool     `json:"no_journal,omitempty" yaml:"no_journal,omitempty" mapstructure:"no_journal"`
	S3              S3Config `json:"s3" yaml:"s3" mapstructure:"s3"`

	Path string `json:"-" yaml:"-" mapstructure:"-"`

	// Set by Validate.
	Kind   target.Kind   `json:"-" yaml:"-" mapstructure:"-"`
	Filter filter.Filter `json:"-" yaml:"-" mapstructure:"-"`
	Index  filter.Filter `json:"-" yaml:"-" mapstructure:"-"`
}

// Validate resolves paths, fills defaults and compiles filters. Configuration errors
// surface here, before any I/O against the target.
func (c *Config) Validate() error {
	if err := c.ValidateLocal(); err != nil {
		return err
	}

	var err error
	if c.Target == "" {
		return ErrMissingTarget
	}
	if c.Kind, _, err = target.ParseKind(c.Target); err != nil {
		return err
	}
	if c.Kind == target.KindS3 && (c.S3.AccessKey == "" || c.S3.SecretKey == "") {
		return s3.ErrMissingCredentials
	}

	if c.FileFilter == "" {
		c.FileFilter = filter.DefaultPattern
	}
	if c.Filter, err = filter.Parse(c.FileFilter); err != nil {
		return fmt.Errorf("filter: %w", err)
	}

	if c.IndexFilter == "" {
		c.IndexFilter = filter.DefaultIndexPattern
	}
	if c.Index, err = filter.Parse(c.IndexFilter); err != nil {
		return fmt.Errorf("index filter: %w", err)
	}

	return nil
}

// ValidateLocal resolves the local paths only. It is enough for commands that never
// touch the target.
func (c *Config) ValidateLocal() error {
	var err error

	if c.Source == "" {
		return ErrMissingSource
	}
	if c.Source, err = utils.ResolvePath(c.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	if c.BackupDirectory == "" {
		c.BackupDirectory = filepath.Join(c.Source, filepath.FromSlash(DefaultBackupSubdir))
	}
	if c.BackupDirectory, err = utils.ResolvePath(c.BackupDirectory); err != nil {
		return fmt.Errorf("backup directory: %w", err)
	}

	if c.Path != "" {
		if c.Path, err = utils.ResolvePath(c.Path); err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}
	return nil
}

func (c *Config) TargetOptions() target.Options {
	return target.Options{
		Source:    c.Source,
		BackupDir: c.BackupDirectory,
		S3: target.S3Options{
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
		},
	}
}

func (c *Config) JournalPath() string {
	return filepath.Join(c.BackupDirectory, JournalFileName)
}

func (c *Config) LockPath() string {
	return filepath.Join(c.BackupDirectory, LockFileName)
}

// Save writes the config as yaml or json depending on the file extension.
func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// NewViper returns a viper instance with csync defaults and CSYNC_* env bindings.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("source", "")
	v.SetDefault("target", "")
	v.SetDefault("backup_dir", "")
	v.SetDefault("filter", filter.DefaultPattern)
	v.SetDefault("index_filter", filter.DefaultIndexPattern)
	v.SetDefault("http_addr", "")
	v.SetDefault("no_journal", false)
	v.SetDefault("s3.region", "")
	v.SetDefault("s3.endpoint", "")
	v.SetDefault("s3.access_key", "")
	v.SetDefault("s3.secret_key", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ReadFile loads path into v. A missing default config file is not an error.
func ReadFile(v *viper.Viper, path string, explicit bool) error {
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(DefaultConfigDir)
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if explicit || (!enoent && !errors.As(err, &notFound)) {
			return fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}
	return nil
}

// FromViper decodes and validates the config held by v.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LocalFromViper is FromViper with only the local paths validated.
func LocalFromViper(v *viper.Viper) (*Config, error) {
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateLocal(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()
	return &cfg, nil
}
