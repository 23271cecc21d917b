package config

import (
	"github.com/openfroyo/procdriver/pkg/driver"
	"github.com/openfroyo/procdriver/pkg/fetch"
	"github.com/openfroyo/procdriver/pkg/scheduler"
	"github.com/openfroyo/procdriver/pkg/shell"
	"github.com/openfroyo/procdriver/pkg/stores"
	"github.com/openfroyo/procdriver/pkg/telemetry"
	"github.com/openfroyo/procdriver/pkg/transports/ssh"
)

// Params returns the driver parameters for the configured instance.
func (c *Config) Params() driver.Params {
	s := c.Service
	return driver.Params{
		InstanceID:             s.InstanceID,
		InstallDir:             s.InstallDir,
		RunDir:                 s.RunDir,
		Port:                   s.Port,
		User:                   s.User,
		Group:                  s.Group,
		CreationScriptURL:      s.CreationScriptURL,
		CreationScriptContents: s.CreationScriptContents,
	}
}

// SSH returns the transport configuration for the target.
func (c *Config) SSH() *ssh.Config {
	t := c.Target
	cfg := ssh.DefaultConfig(t.Host, t.User)
	cfg.Port = t.Port
	cfg.AuthMethod = ssh.AuthMethod(t.AuthMethod)
	cfg.Password = t.Password
	cfg.PrivateKeyPath = t.PrivateKeyPath
	cfg.PrivateKeyPassphrase = t.PrivateKeyPassphrase
	if t.KnownHostsPath != "" {
		cfg.KnownHostsPath = t.KnownHostsPath
	}
	cfg.StrictHostKeyChecking = t.StrictHostKeyChecking
	cfg.ConnectionTimeout = t.ConnectionTimeout
	cfg.CommandTimeout = t.CommandTimeout
	cfg.KeepAliveInterval = t.KeepAliveInterval
	cfg.ProxyHost = t.ProxyHost
	cfg.ProxyPort = t.ProxyPort
	cfg.ProxyUser = t.ProxyUser
	if t.ProxyHost != "" {
		// The jump host uses the same credentials as the target.
		cfg.ProxyAuthMethod = cfg.AuthMethod
		cfg.ProxyPassword = t.Password
		cfg.ProxyPrivateKeyPath = t.PrivateKeyPath
	}
	return cfg
}

// Escalator returns the privilege strategy named by target.escalation.
func (c *Config) Escalator() (shell.Escalator, error) {
	return shell.EscalatorFor(c.Target.Escalation)
}

// Telemetry returns the telemetry configuration.
func (c *Config) Telemetry(version string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.Logging.Level = c.Logging.Level
	cfg.Logging.Format = c.Logging.Format
	cfg.Metrics.Enabled = c.Metrics.Enabled
	cfg.Metrics.ListenAddress = c.Metrics.ListenAddress
	cfg.Tracing.Enabled = c.Tracing.Enabled
	cfg.Tracing.Exporter = c.Tracing.Exporter
	cfg.Tracing.Endpoint = c.Tracing.Endpoint
	cfg.Tracing.SamplingRate = c.Tracing.SamplingRate
	cfg.Tracing.Insecure = c.Tracing.Insecure
	return cfg
}

// Queue returns the scheduler configuration.
func (c *Config) Queue() scheduler.Config {
	cfg := scheduler.DefaultConfig()
	cfg.Workers = c.Scheduler.Workers
	cfg.MaxRetries = c.Scheduler.MaxRetries
	cfg.BaseBackoff = c.Scheduler.BaseBackoff
	cfg.Retryable = ssh.IsTemporary
	return cfg
}

// StoreEnabled reports whether stage runs are persisted.
func (c *Config) StoreEnabled() bool {
	return c.Store.Path != ""
}

// SQLite returns the stage-run store configuration.
func (c *Config) SQLite() stores.Config {
	return stores.Config{Path: c.Store.Path}
}

// S3Client returns the S3 settings for the fetcher.
func (c *Config) S3Client() fetch.S3Config {
	return fetch.S3Config{
		Region:          c.S3.Region,
		Endpoint:        c.S3.Endpoint,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		ForcePathStyle:  c.S3.ForcePathStyle,
	}
}

// S3Configured reports whether any S3 setting was given. Without one the
// fetcher rejects s3:// references instead of probing the AWS defaults.
func (c *Config) S3Configured() bool {
	return c.S3 != (S3Config{})
}

// PolicyEnabled reports whether any policy gates lifecycle operations.
func (c *Config) PolicyEnabled() bool {
	return c.Policy.Builtin || len(c.Policy.Paths) > 0
}
