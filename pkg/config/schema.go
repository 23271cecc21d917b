package config

import (
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"
)

// fileSchema describes the shape of a configuration file. Definitions are
// closed, so unknown keys fail. Durations are strings such as "30s".
const fileSchema = `
#Duration: string | int

#Config: {
	target?: {
		local?:                    bool
		host?:                     string
		port?:                     int & >=1 & <=65535
		user?:                     string
		auth_method?:              "key" | "password" | "agent"
		password?:                 string
		private_key_path?:         string
		private_key_passphrase?:   string
		known_hosts_path?:         string
		strict_host_key_checking?: bool
		connection_timeout?:       #Duration
		command_timeout?:          #Duration
		keepalive_interval?:       #Duration
		proxy_host?:               string
		proxy_port?:               int & >=1 & <=65535
		proxy_user?:               string
		escalation?:               "sudo" | "none"
	}
	service?: {
		kind?:                     "postgres" | "starlark"
		instance_id?:              string
		install_dir?:              string
		run_dir?:                  string
		port?:                     int & >=1 & <=65535
		user?:                     string
		group?:                    string
		creation_script_url?:      string
		creation_script_contents?: string
		descriptor?:               string
		vars?: [string]: string
		locations?: [...string]
		listen_addresses?: string
		hba_rule?:         string
		check_user?:       string
		check_password?:   string
		check_database?:   string
		ready_timeout?:    #Duration
		ready_interval?:   #Duration
	}
	scheduler?: {
		workers?:      int & >=1
		max_retries?:  int & >=0
		base_backoff?: #Duration
	}
	store?: {
		path?: string
	}
	logging?: {
		level?:  "trace" | "debug" | "info" | "warn" | "error"
		format?: "console" | "json"
	}
	metrics?: {
		enabled?:        bool
		listen_address?: string
	}
	tracing?: {
		enabled?:       bool
		exporter?:      "otlp" | "stdout" | "none"
		endpoint?:      string
		sampling_rate?: number & >=0 & <=1
		insecure?:      bool
	}
	policy?: {
		builtin?: bool
		paths?: [...string]
		disabled?: [...string]
	}
	s3?: {
		region?:            string
		endpoint?:          string
		access_key_id?:     string
		secret_access_key?: string
		force_path_style?:  bool
	}
}
`

// SchemaProblem is one schema violation.
type SchemaProblem struct {
	// Path is the dotted key, e.g. "target.port".
	Path    string
	Message string
}

// SchemaError lists every violation found in a configuration file.
type SchemaError struct {
	File     string
	Problems []SchemaProblem
}

func (e *SchemaError) Error() string {
	msgs := make([]string, 0, len(e.Problems))
	for _, p := range e.Problems {
		if p.Path == "" {
			msgs = append(msgs, p.Message)
			continue
		}
		msgs = append(msgs, p.Path+": "+p.Message)
	}
	return fmt.Sprintf("%s does not match the configuration schema: %s", e.File, strings.Join(msgs, "; "))
}

// CheckFile checks the YAML file at path against the configuration schema.
func CheckFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return CheckYAML(path, data)
}

// CheckYAML checks YAML configuration data against the schema. name is used
// in error messages.
func CheckYAML(name string, data []byte) error {
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s: %w", name, err)
	}
	if doc == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(fileSchema).LookupPath(cue.ParsePath("#Config"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile configuration schema: %w", err)
	}

	dataVal := ctx.Encode(doc)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	if err := schema.Unify(dataVal).Validate(cue.Concrete(true)); err != nil {
		return &SchemaError{File: name, Problems: schemaProblems(err)}
	}
	return nil
}

func schemaProblems(err error) []SchemaProblem {
	var problems []SchemaProblem
	for _, e := range cueerrors.Errors(err) {
		path := e.Path()
		// Paths are rooted at the #Config definition.
		if len(path) > 0 && path[0] == "#Config" {
			path = path[1:]
		}
		format, args := e.Msg()
		problems = append(problems, SchemaProblem{
			Path:    strings.Join(path, "."),
			Message: fmt.Sprintf(format, args...),
		})
	}
	return problems
}
