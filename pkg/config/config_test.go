package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/procdriver/pkg/shell"
	"github.com/openfroyo/procdriver/pkg/transports/ssh"
)

const sampleConfig = `
target:
  host: db1.example.com
  user: deploy
  auth_method: password
  password: s3cret
  command_timeout: 10m
service:
  kind: postgres
  instance_id: orders
  install_dir: /opt/orders
  run_dir: /srv/orders
  port: 5433
  user: postgres
  creation_script_url: s3://scripts/orders.sql
  locations:
    - /usr/lib/postgresql/*/bin
scheduler:
  workers: 2
logging:
  level: debug
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "procdriver.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "db1.example.com", cfg.Target.Host)
	assert.Equal(t, 22, cfg.Target.Port, "default port should survive a partial target section")
	assert.Equal(t, "password", cfg.Target.AuthMethod)
	assert.Equal(t, 10*time.Minute, cfg.Target.CommandTimeout)
	assert.Equal(t, 30*time.Second, cfg.Target.ConnectionTimeout)
	assert.Equal(t, "sudo", cfg.Target.Escalation)

	assert.Equal(t, "orders", cfg.Service.InstanceID)
	assert.Equal(t, 5433, cfg.Service.Port)
	assert.Equal(t, []string{"/usr/lib/postgresql/*/bin"}, cfg.Service.Locations)
	assert.Equal(t, 2*time.Minute, cfg.Service.ReadyTimeout)

	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.True(t, cfg.Policy.Builtin)
	assert.Empty(t, cfg.Policy.Paths)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PROCDRIVER_TARGET_HOST", "db2.example.com")
	t.Setenv("PROCDRIVER_TARGET_PORT", "2222")
	t.Setenv("PROCDRIVER_SERVICE_READY_TIMEOUT", "45s")
	t.Setenv("PROCDRIVER_TARGET_PASSWORD", "from-env")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "db2.example.com", cfg.Target.Host)
	assert.Equal(t, 2222, cfg.Target.Port)
	assert.Equal(t, 45*time.Second, cfg.Service.ReadyTimeout)
	assert.Equal(t, "from-env", cfg.Target.Password)
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("PROCDRIVER_TARGET_LOCAL", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.True(t, cfg.Target.Local)
	assert.Equal(t, "postgres", cfg.Service.Kind)
	assert.Equal(t, 5432, cfg.Service.Port)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "target:\n  hots: db1\n")

	_, err := Load(path)
	require.Error(t, err)

	var schemaErr *SchemaError
	require.ErrorAs(t, err, &schemaErr)
	assert.Contains(t, err.Error(), "hots")
}

func TestCheckYAML(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr bool
	}{
		{"empty document", "", false},
		{"valid sections", sampleConfig, false},
		{"duration as integer", "target:\n  command_timeout: 0\n", false},
		{"unknown section", "bogus:\n  x: 1\n", true},
		{"bad enum", "service:\n  kind: mysql\n", true},
		{"port out of range", "service:\n  port: 70000\n", true},
		{"wrong type", "scheduler:\n  workers: many\n", true},
		{"vars must be strings", "service:\n  vars:\n    KEY: [1, 2]\n", true},
		{"sampling rate above one", "tracing:\n  sampling_rate: 1.5\n", true},
		{"policy paths", "policy:\n  builtin: false\n  paths: [/etc/procdriver/policies]\n", false},
		{"policy paths must be a list", "policy:\n  paths: /etc/procdriver/policies\n", true},
		{"policy disabled", "policy:\n  disabled: [privileged-port]\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckYAML("test.yaml", []byte(tt.data))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckYAMLMalformed(t *testing.T) {
	err := CheckYAML("broken.yaml", []byte("target: [unclosed"))
	require.Error(t, err)

	var schemaErr *SchemaError
	assert.False(t, errors.As(err, &schemaErr), "parse errors are not schema errors")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults over ssh",
			modify: func(c *Config) { c.Target.Host = "h"; c.Target.User = "u" },
		},
		{
			name:   "local target needs no host",
			modify: func(c *Config) { c.Target.Local = true },
		},
		{
			name:    "ssh target needs a host",
			modify:  func(c *Config) { c.Target.User = "u" },
			wantErr: "Host",
		},
		{
			name: "both creation script sources",
			modify: func(c *Config) {
				c.Target.Local = true
				c.Service.CreationScriptURL = "file:///a.sql"
				c.Service.CreationScriptContents = "SELECT 1;"
			},
			wantErr: "CreationScriptURL",
		},
		{
			name:    "starlark kind needs a descriptor",
			modify:  func(c *Config) { c.Target.Local = true; c.Service.Kind = "starlark" },
			wantErr: "Descriptor",
		},
		{
			name:    "relative run dir",
			modify:  func(c *Config) { c.Target.Local = true; c.Service.RunDir = "var/run" },
			wantErr: "RunDir",
		},
		{
			name:    "otlp without endpoint",
			modify:  func(c *Config) { c.Target.Local = true; c.Tracing.Exporter = "otlp" },
			wantErr: "Endpoint",
		},
		{
			name:    "proxy without user",
			modify:  func(c *Config) { c.Target.Local = true; c.Target.ProxyHost = "jump" },
			wantErr: "ProxyUser",
		},
		{
			name:    "no workers",
			modify:  func(c *Config) { c.Target.Local = true; c.Scheduler.Workers = 0 },
			wantErr: "Workers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)

			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Target.Host = "db1"
	cfg.Target.User = "deploy"
	cfg.Service.Vars = map[string]string{"maxmemory": "1gb"}

	path := filepath.Join(t.TempDir(), "nested", "procdriver.yaml")
	require.NoError(t, Save(cfg, path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	// The written file passes the schema and loads back unchanged.
	require.NoError(t, CheckFile(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestConversions(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	params := cfg.Params()
	require.NoError(t, params.Validate())
	assert.Equal(t, "orders", params.InstanceID)
	assert.Equal(t, "s3://scripts/orders.sql", params.CreationScriptURL)

	sshCfg := cfg.SSH()
	assert.Equal(t, ssh.AuthMethodPassword, sshCfg.AuthMethod)
	assert.Equal(t, "db1.example.com:22", sshCfg.Address())
	assert.Equal(t, 10*time.Minute, sshCfg.CommandTimeout)
	assert.Equal(t, "bash", sshCfg.Shell)
	require.NoError(t, sshCfg.Validate())

	esc, err := cfg.Escalator()
	require.NoError(t, err)
	assert.Equal(t, shell.Sudo{}, esc)

	tel := cfg.Telemetry("1.2.3")
	require.NoError(t, tel.Validate())
	assert.Equal(t, "debug", tel.Logging.Level)
	assert.Equal(t, "1.2.3", tel.ServiceVersion)

	q := cfg.Queue()
	assert.Equal(t, 2, q.Workers)
	assert.NotNil(t, q.Retryable)

	assert.True(t, cfg.PolicyEnabled())
	cfg.Policy.Builtin = false
	assert.False(t, cfg.PolicyEnabled())

	assert.True(t, cfg.StoreEnabled())
	assert.False(t, cfg.S3Configured())
	cfg.S3.Region = "eu-west-1"
	assert.True(t, cfg.S3Configured())
	assert.Equal(t, "eu-west-1", cfg.S3Client().Region)
}
