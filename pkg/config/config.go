// Package config loads the procdriver configuration file.
//
// Configuration sources, in order of precedence:
//  1. CLI flags (applied by the caller after Load)
//  2. Environment variables (PROCDRIVER_*, e.g. PROCDRIVER_TARGET_HOST)
//  3. The YAML configuration file
//  4. Defaults
//
// The file is checked against a closed CUE schema before it is decoded, so
// misspelled keys are reported instead of silently ignored. The decoded
// struct is then validated with validator tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PROCDRIVER"

// Config is the full procdriver configuration.
type Config struct {
	Target    TargetConfig    `mapstructure:"target" yaml:"target"`
	Service   ServiceConfig   `mapstructure:"service" yaml:"service"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	S3        S3Config        `mapstructure:"s3" yaml:"s3"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
}

// TargetConfig describes the machine the service runs on.
type TargetConfig struct {
	// Local runs scripts with the local bash instead of over SSH.
	Local bool `mapstructure:"local" yaml:"local"`

	Host       string `mapstructure:"host" validate:"required_unless=Local true" yaml:"host"`
	Port       int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	User       string `mapstructure:"user" validate:"required_unless=Local true" yaml:"user"`
	AuthMethod string `mapstructure:"auth_method" validate:"oneof=key password agent" yaml:"auth_method"`

	Password             string `mapstructure:"password" yaml:"password,omitempty"`
	PrivateKeyPath       string `mapstructure:"private_key_path" yaml:"private_key_path,omitempty"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase" yaml:"private_key_passphrase,omitempty"`

	KnownHostsPath        string `mapstructure:"known_hosts_path" yaml:"known_hosts_path,omitempty"`
	StrictHostKeyChecking bool   `mapstructure:"strict_host_key_checking" yaml:"strict_host_key_checking"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" validate:"gt=0" yaml:"connection_timeout"`
	// CommandTimeout bounds every remote script. Zero means no bound.
	CommandTimeout    time.Duration `mapstructure:"command_timeout" validate:"gte=0" yaml:"command_timeout"`
	KeepAliveInterval time.Duration `mapstructure:"keepalive_interval" validate:"gte=0" yaml:"keepalive_interval"`

	ProxyHost string `mapstructure:"proxy_host" yaml:"proxy_host,omitempty"`
	ProxyPort int    `mapstructure:"proxy_port" validate:"min=1,max=65535" yaml:"proxy_port"`
	ProxyUser string `mapstructure:"proxy_user" validate:"required_with=ProxyHost" yaml:"proxy_user,omitempty"`

	// Escalation is how root commands are run: "sudo" or "none".
	Escalation string `mapstructure:"escalation" validate:"oneof=sudo none" yaml:"escalation"`
}

// ServiceConfig describes the managed service instance.
type ServiceConfig struct {
	// Kind selects the descriptor: "postgres" or "starlark".
	Kind       string `mapstructure:"kind" validate:"oneof=postgres starlark" yaml:"kind"`
	InstanceID string `mapstructure:"instance_id" validate:"required" yaml:"instance_id"`
	InstallDir string `mapstructure:"install_dir" validate:"required,startswith=/" yaml:"install_dir"`
	RunDir     string `mapstructure:"run_dir" validate:"required,startswith=/" yaml:"run_dir"`
	Port       int    `mapstructure:"port" validate:"min=1,max=65535" yaml:"port"`
	User       string `mapstructure:"user" validate:"required" yaml:"user"`
	Group      string `mapstructure:"group" yaml:"group,omitempty"`

	CreationScriptURL      string `mapstructure:"creation_script_url" validate:"excluded_with=CreationScriptContents" yaml:"creation_script_url,omitempty"`
	CreationScriptContents string `mapstructure:"creation_script_contents" yaml:"creation_script_contents,omitempty"`

	// Descriptor is the Starlark descriptor reference for kind "starlark".
	Descriptor string            `mapstructure:"descriptor" validate:"required_if=Kind starlark" yaml:"descriptor,omitempty"`
	Vars       map[string]string `mapstructure:"vars" yaml:"vars,omitempty"`

	// Locations overrides the directories searched for the control binary.
	Locations []string `mapstructure:"locations" yaml:"locations,omitempty"`

	ListenAddresses string `mapstructure:"listen_addresses" yaml:"listen_addresses,omitempty"`
	HBARule         string `mapstructure:"hba_rule" yaml:"hba_rule,omitempty"`

	CheckUser     string `mapstructure:"check_user" yaml:"check_user,omitempty"`
	CheckPassword string `mapstructure:"check_password" yaml:"check_password,omitempty"`
	CheckDatabase string `mapstructure:"check_database" yaml:"check_database,omitempty"`

	ReadyTimeout  time.Duration `mapstructure:"ready_timeout" validate:"gt=0" yaml:"ready_timeout"`
	ReadyInterval time.Duration `mapstructure:"ready_interval" validate:"gt=0" yaml:"ready_interval"`
}

// SchedulerConfig sizes the task queue.
type SchedulerConfig struct {
	Workers     int           `mapstructure:"workers" validate:"min=1" yaml:"workers"`
	MaxRetries  int           `mapstructure:"max_retries" validate:"min=0" yaml:"max_retries"`
	BaseBackoff time.Duration `mapstructure:"base_backoff" validate:"gt=0" yaml:"base_backoff"`
}

// StoreConfig locates the stage-run database. An empty path disables it.
type StoreConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=trace debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"oneof=console json" yaml:"format"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	ListenAddress string `mapstructure:"listen_address" yaml:"listen_address,omitempty"`
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter     string  `mapstructure:"exporter" validate:"oneof=otlp stdout none" yaml:"exporter"`
	Endpoint     string  `mapstructure:"endpoint" validate:"required_if=Exporter otlp" yaml:"endpoint,omitempty"`
	SamplingRate float64 `mapstructure:"sampling_rate" validate:"gte=0,lte=1" yaml:"sampling_rate"`
	Insecure     bool    `mapstructure:"insecure" yaml:"insecure"`
}

// S3Config configures access to s3:// creation scripts and descriptors.
type S3Config struct {
	Region          string `mapstructure:"region" yaml:"region,omitempty"`
	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" validate:"required_with=AccessKeyID" yaml:"secret_access_key,omitempty"`
	ForcePathStyle  bool   `mapstructure:"force_path_style" yaml:"force_path_style"`
}

// PolicyConfig selects the Rego policies that gate lifecycle operations.
type PolicyConfig struct {
	// Builtin enables the built-in safety policies.
	Builtin bool `mapstructure:"builtin" yaml:"builtin"`
	// Paths are .rego or .json files, or directories holding them.
	Paths []string `mapstructure:"paths" validate:"dive,required" yaml:"paths,omitempty"`
	// Disabled names policies that are loaded but not evaluated.
	Disabled []string `mapstructure:"disabled" validate:"dive,required" yaml:"disabled,omitempty"`
}

var validate = validator.New()

// Load reads configuration from configPath, the environment and defaults.
// A missing file is not an error when configPath is empty; the result then
// comes from defaults and the environment alone.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if configPath != "" {
		if err := CheckFile(configPath); err != nil {
			return nil, err
		}
	}

	if _, err := readConfigFile(v, configPath != ""); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks cfg against its struct tags.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}
	return nil
}

// Save writes cfg as YAML to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Passwords may be present.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func setupViper(v *viper.Viper, configPath string) {
	// PROCDRIVER_TARGET_HOST overrides target.host.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(DefaultConfigDir())
	v.AddConfigPath(".")
	v.SetConfigName("procdriver")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, explicit bool) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return false, nil
		}
		if os.IsNotExist(err) && !explicit {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// DefaultConfigDir is $XDG_CONFIG_HOME/procdriver, falling back to
// ~/.config/procdriver.
func DefaultConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "procdriver")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "procdriver")
}

// DefaultConfigPath is where `procdriver config init` writes by default.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "procdriver.yaml")
}
