package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/michaelbrown/pulse/internal/logger"
)

type ServerConfig struct {
	Port           int `mapstructure:"port" yaml:"port"`
	MaxSourceBytes int `mapstructure:"max_source_bytes" yaml:"max_source_bytes"`
}

// CompilerConfig describes the compiler collaborator.
type CompilerConfig struct {
	Binary     string `mapstructure:"binary" yaml:"binary"`
	ScratchDir string `mapstructure:"scratch_dir" yaml:"scratch_dir"`
	Strict     bool   `mapstructure:"strict" yaml:"strict"` // stop on non-zero compiler exit
}

// SandboxConfig describes the isolation wrapper and sandbox collaborator.
type SandboxConfig struct {
	Wrapper          string        `mapstructure:"wrapper" yaml:"wrapper"`
	Binary           string        `mapstructure:"binary" yaml:"binary"`
	Timeout          time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Quiet            bool          `mapstructure:"quiet" yaml:"quiet"`
	TimeoutExitCodes []int         `mapstructure:"timeout_exit_codes" yaml:"timeout_exit_codes"`
	KillGrace        time.Duration `mapstructure:"kill_grace" yaml:"kill_grace"`
}

type WorkspaceConfig struct {
	Dir           string        `mapstructure:"dir" yaml:"dir"`
	Prefix        string        `mapstructure:"prefix" yaml:"prefix"`
	SweepSchedule string        `mapstructure:"sweep_schedule" yaml:"sweep_schedule"`
	MaxAge        time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

type Config struct {
	Server    ServerConfig     `mapstructure:"server" yaml:"server"`
	Compiler  CompilerConfig   `mapstructure:"compiler" yaml:"compiler"`
	Sandbox   SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	Workspace WorkspaceConfig  `mapstructure:"workspace" yaml:"workspace"`
	Log       logger.LogConfig `mapstructure:"log" yaml:"log"`
}

// Loader reads configuration from a YAML file, PULSE_* environment variables
// and built-in defaults, in that order of precedence after env.
type Loader struct {
	v    *viper.Viper
	file string
}

// NewLoader creates a Loader. An empty file searches ./pulse.yaml and
// $HOME/.pulse/pulse.yaml and tolerates neither existing.
func NewLoader(file string) *Loader {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("pulse")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.pulse")
	}

	v.SetEnvPrefix("PULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	return &Loader{v: v, file: file}
}

// DefaultDir is where workspaces and compiler output live unless configured.
// It is private to pulse so the sweeper never touches other programs' files.
func DefaultDir() string {
	return filepath.Join(os.TempDir(), "pulse")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8005)
	v.SetDefault("server.max_source_bytes", 64*1024)

	v.SetDefault("compiler.binary", "/bin/pulsec")
	v.SetDefault("compiler.scratch_dir", DefaultDir())
	v.SetDefault("compiler.strict", false)

	v.SetDefault("sandbox.wrapper", "/usr/bin/unbuffer")
	v.SetDefault("sandbox.binary", "/usr/bin/firejail")
	v.SetDefault("sandbox.timeout", 4*time.Second)
	v.SetDefault("sandbox.quiet", true)
	v.SetDefault("sandbox.timeout_exit_codes", []int{124})
	v.SetDefault("sandbox.kill_grace", 2*time.Second)

	v.SetDefault("workspace.dir", DefaultDir())
	v.SetDefault("workspace.prefix", "pulse-")
	v.SetDefault("workspace.sweep_schedule", "@every 10m")
	v.SetDefault("workspace.max_age", time.Hour)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if l.file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Watch calls fn with the re-read configuration whenever the config file
// changes. Invalid edits are logged and skipped. No-op without a config file.
func (l *Loader) Watch(fn func(*Config)) {
	if l.v.ConfigFileUsed() == "" {
		return
	}
	log := logger.With("config")
	l.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := l.decode()
		if err != nil {
			log.Warn().Err(err).Str("file", e.Name).Msg("ignoring invalid config change")
			return
		}
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("config reloaded")
		fn(cfg)
	})
	l.v.WatchConfig()
}

// FileUsed returns the path of the config file that was read, if any.
func (l *Loader) FileUsed() string {
	return l.v.ConfigFileUsed()
}

// Load is shorthand for NewLoader(file).Load().
func Load(file string) (*Config, error) {
	return NewLoader(file).Load()
}

func (c *Config) normalize() error {
	if c.Workspace.Dir == "" {
		c.Workspace.Dir = DefaultDir()
	}
	dir, err := filepath.Abs(c.Workspace.Dir)
	if err != nil {
		return fmt.Errorf("resolving workspace dir: %w", err)
	}
	c.Workspace.Dir = dir
	return nil
}

// EnsureDirs creates the workspace and compiler scratch directories.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{c.Workspace.Dir, c.Compiler.ScratchDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// Validate checks that every path handed to a child process is absolute and
// that limits are positive.
func (c *Config) Validate() error {
	var problems []string
	if !filepath.IsAbs(c.Compiler.Binary) {
		problems = append(problems, fmt.Sprintf("compiler.binary must be absolute: %q", c.Compiler.Binary))
	}
	if !filepath.IsAbs(c.Compiler.ScratchDir) {
		problems = append(problems, fmt.Sprintf("compiler.scratch_dir must be absolute: %q", c.Compiler.ScratchDir))
	}
	if !filepath.IsAbs(c.Sandbox.Binary) {
		problems = append(problems, fmt.Sprintf("sandbox.binary must be absolute: %q", c.Sandbox.Binary))
	}
	if c.Sandbox.Wrapper != "" && !filepath.IsAbs(c.Sandbox.Wrapper) {
		problems = append(problems, fmt.Sprintf("sandbox.wrapper must be absolute: %q", c.Sandbox.Wrapper))
	}
	if c.Sandbox.Timeout <= 0 {
		problems = append(problems, "sandbox.timeout must be positive")
	}
	if c.Server.MaxSourceBytes <= 0 {
		problems = append(problems, "server.max_source_bytes must be positive")
	}
	if c.Workspace.Prefix == "" || strings.ContainsRune(c.Workspace.Prefix, filepath.Separator) {
		problems = append(problems, fmt.Sprintf("workspace.prefix must be a plain file name prefix: %q", c.Workspace.Prefix))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}
