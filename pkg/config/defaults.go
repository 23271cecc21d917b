package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/spf13/viper"
)

// DefaultConfig returns a configuration for a PostgreSQL instance on
// localhost. Target and service identity still have to be filled in.
func DefaultConfig() *Config {
	return &Config{
		Target: TargetConfig{
			Port:                  22,
			AuthMethod:            "key",
			KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
			StrictHostKeyChecking: true,
			ConnectionTimeout:     30 * time.Second,
			ProxyPort:             22,
			Escalation:            "sudo",
		},
		Service: ServiceConfig{
			Kind:          "postgres",
			InstanceID:    "postgres-1",
			InstallDir:    "/opt/procdriver/postgres",
			RunDir:        "/var/lib/procdriver/postgres",
			Port:          5432,
			User:          "postgres",
			ReadyTimeout:  2 * time.Minute,
			ReadyInterval: 2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:     4,
			BaseBackoff: time.Second,
		},
		Store: StoreConfig{
			Path: filepath.Join(DefaultConfigDir(), "state.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Tracing: TracingConfig{
			Exporter:     "none",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Policy: PolicyConfig{
			Builtin: true,
		},
	}
}

// setDefaults registers every key of DefaultConfig with v. Registering
// keys that default to zero matters too: AutomaticEnv only consults the
// environment for keys viper already knows.
func setDefaults(v *viper.Viper) {
	walkDefaults(v, "", reflect.ValueOf(*DefaultConfig()))
}

var durationType = reflect.TypeOf(time.Duration(0))

func walkDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		key := field.Tag.Get("mapstructure")
		if key == "" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}

		fv := val.Field(i)
		if fv.Kind() == reflect.Map {
			continue
		}
		if fv.Kind() == reflect.Struct && fv.Type() != durationType {
			walkDefaults(v, key, fv)
			continue
		}
		v.SetDefault(key, fv.Interface())
	}
}
