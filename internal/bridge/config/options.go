package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/kestrel-run/acpbridge/common/environment"
)

// Options are the bridge's recognized runtime options, layered
// defaults -> YAML file -> environment -> flags, each layer overriding the
// last only where it sets a value.
type Options struct {
	AgentCommand         []string      `yaml:"agent_command" json:"agent_command"`
	Bind                 string        `yaml:"bind" json:"bind"`
	Port                 int           `yaml:"port" json:"port"`
	TLS                  bool          `yaml:"tls" json:"tls"`
	Auth                 bool          `yaml:"auth" json:"auth"`
	MaxConnectionsPerIP  int           `yaml:"max_connections_per_ip" json:"max_connections_per_ip"`
	MaxAttemptsPerMinute int           `yaml:"max_attempts_per_minute" json:"max_attempts_per_minute"`
	KeepAlive            bool          `yaml:"keep_alive" json:"keep_alive"`
	SessionTimeout       time.Duration `yaml:"-" json:"-"`
	SessionTimeoutSecs   int           `yaml:"session_timeout" json:"session_timeout"`
	MaxAgents            int           `yaml:"max_agents" json:"max_agents"`
	BufferMessages       bool          `yaml:"buffer_messages" json:"buffer_messages"`
	ConfigDir            string        `yaml:"config_dir" json:"config_dir"`
	RuntimeBackend       string        `yaml:"runtime_backend" json:"runtime_backend"`
	AgentImage           string        `yaml:"agent_image" json:"agent_image"`
	AgentNetwork         string        `yaml:"agent_network" json:"agent_network"`
}

// RuntimeBackendExec and RuntimeBackendDocker are the recognized values of
// RuntimeBackend. Exec is the default: one host subprocess per session.
// Docker isolates each session's agent inside its own container, attached
// over the Engine API instead of a host pipe.
const (
	RuntimeBackendExec   = "exec"
	RuntimeBackendDocker = "docker"
)

// DefaultPort is the bridge's default listener port. Operators can
// override it through any of the three layers below; the bridge itself
// never hard-codes a port beyond this configurable default.
const DefaultPort = 8765

// Defaults returns the built-in option values, the lowest-precedence layer.
func Defaults() Options {
	return Options{
		Bind:                 "0.0.0.0",
		Port:                 DefaultPort,
		TLS:                  true,
		Auth:                 true,
		MaxConnectionsPerIP:  3,
		MaxAttemptsPerMinute: 10,
		KeepAlive:            false,
		SessionTimeout:       30 * time.Minute,
		SessionTimeoutSecs:   1800,
		MaxAgents:            10,
		BufferMessages:       false,
		RuntimeBackend:       RuntimeBackendExec,
	}
}

// schemaJSON validates the shape of an options YAML file: known keys, and
// basic type/range constraints on the numeric knobs.
const schemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "agent_command": {"type": "array", "items": {"type": "string"}},
    "bind": {"type": "string"},
    "port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "tls": {"type": "boolean"},
    "auth": {"type": "boolean"},
    "max_connections_per_ip": {"type": "integer", "minimum": 1},
    "max_attempts_per_minute": {"type": "integer", "minimum": 1},
    "keep_alive": {"type": "boolean"},
    "session_timeout": {"type": "integer", "minimum": 0},
    "max_agents": {"type": "integer", "minimum": 1},
    "buffer_messages": {"type": "boolean"},
    "config_dir": {"type": "string"},
    "runtime_backend": {"type": "string", "enum": ["exec", "docker"]},
    "agent_image": {"type": "string"},
    "agent_network": {"type": "string"}
  }
}`

func compileSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("options.schema.json", bytes.NewReader([]byte(schemaJSON))); err != nil {
		return nil, fmt.Errorf("config: add schema resource: %w", err)
	}
	return c.Compile("options.schema.json")
}

// LoadYAML reads an options file at path, validates it against the
// recognized-options schema, and overlays it onto base.
func LoadYAML(path string, base Options) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("config: read options file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return base, fmt.Errorf("config: parse options file: %w", err)
	}

	schema, err := compileSchema()
	if err != nil {
		return base, err
	}
	if err := schema.Validate(raw); err != nil {
		return base, fmt.Errorf("config: invalid options file: %w", err)
	}

	var file Options
	if err := yaml.Unmarshal(data, &file); err != nil {
		return base, fmt.Errorf("config: decode options file: %w", err)
	}

	return mergeYAML(base, file, raw), nil
}

// mergeYAML overlays only the keys present in raw onto base, so an option
// absent from the file falls back to base rather than file's zero value.
func mergeYAML(base, file Options, raw map[string]any) Options {
	out := base
	if _, ok := raw["agent_command"]; ok {
		out.AgentCommand = file.AgentCommand
	}
	if _, ok := raw["bind"]; ok {
		out.Bind = file.Bind
	}
	if _, ok := raw["port"]; ok {
		out.Port = file.Port
	}
	if _, ok := raw["tls"]; ok {
		out.TLS = file.TLS
	}
	if _, ok := raw["auth"]; ok {
		out.Auth = file.Auth
	}
	if _, ok := raw["max_connections_per_ip"]; ok {
		out.MaxConnectionsPerIP = file.MaxConnectionsPerIP
	}
	if _, ok := raw["max_attempts_per_minute"]; ok {
		out.MaxAttemptsPerMinute = file.MaxAttemptsPerMinute
	}
	if _, ok := raw["keep_alive"]; ok {
		out.KeepAlive = file.KeepAlive
	}
	if _, ok := raw["session_timeout"]; ok {
		out.SessionTimeoutSecs = file.SessionTimeoutSecs
		out.SessionTimeout = time.Duration(file.SessionTimeoutSecs) * time.Second
	}
	if _, ok := raw["max_agents"]; ok {
		out.MaxAgents = file.MaxAgents
	}
	if _, ok := raw["buffer_messages"]; ok {
		out.BufferMessages = file.BufferMessages
	}
	if _, ok := raw["config_dir"]; ok {
		out.ConfigDir = file.ConfigDir
	}
	if _, ok := raw["runtime_backend"]; ok {
		out.RuntimeBackend = file.RuntimeBackend
	}
	if _, ok := raw["agent_image"]; ok {
		out.AgentImage = file.AgentImage
	}
	if _, ok := raw["agent_network"]; ok {
		out.AgentNetwork = file.AgentNetwork
	}
	return out
}

// ApplyEnv overlays environment-variable overrides onto opts, using the
// ACPBRIDGE_ prefix for every recognized runtime option.
func ApplyEnv(opts Options) Options {
	out := opts
	out.Bind = environment.StringOr("ACPBRIDGE_BIND", out.Bind)
	out.Port = environment.IntOr("ACPBRIDGE_PORT", out.Port)
	out.TLS = environment.BoolOr("ACPBRIDGE_TLS", out.TLS)
	out.Auth = environment.BoolOr("ACPBRIDGE_AUTH", out.Auth)
	out.MaxConnectionsPerIP = environment.IntOr("ACPBRIDGE_MAX_CONNECTIONS_PER_IP", out.MaxConnectionsPerIP)
	out.MaxAttemptsPerMinute = environment.IntOr("ACPBRIDGE_MAX_ATTEMPTS_PER_MINUTE", out.MaxAttemptsPerMinute)
	out.KeepAlive = environment.BoolOr("ACPBRIDGE_KEEP_ALIVE", out.KeepAlive)
	out.SessionTimeout = environment.DurationOr("ACPBRIDGE_SESSION_TIMEOUT", out.SessionTimeout)
	out.MaxAgents = environment.IntOr("ACPBRIDGE_MAX_AGENTS", out.MaxAgents)
	out.BufferMessages = environment.BoolOr("ACPBRIDGE_BUFFER_MESSAGES", out.BufferMessages)
	out.ConfigDir = environment.StringOr("ACPBRIDGE_CONFIG_DIR", out.ConfigDir)
	out.AgentCommand = environment.StringSliceOr("ACPBRIDGE_AGENT_COMMAND", out.AgentCommand)
	out.RuntimeBackend = environment.StringOr("ACPBRIDGE_RUNTIME_BACKEND", out.RuntimeBackend)
	out.AgentImage = environment.StringOr("ACPBRIDGE_AGENT_IMAGE", out.AgentImage)
	out.AgentNetwork = environment.StringOr("ACPBRIDGE_AGENT_NETWORK", out.AgentNetwork)
	return out
}
