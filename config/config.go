// Package config defines the node configuration: cluster identity,
// listen surface, auth secret and peer discovery sources, with file
// loading and environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quty-io/quty-server/errors"
)

// Defaults for optional fields.
const (
	DefaultNamespace      = "quty"
	DefaultPath           = "/"
	DefaultDiscoveryTimer = 3000
	DefaultMaxReadyAfter  = 5000
	DefaultHeartbeatTimer = 10000
)

// AddressList is a list of peer addresses tolerant of mixed element
// shapes: "ip", "ip:port", or {ip, port}. Every element normalizes to a
// string.
type AddressList []string

// UnmarshalJSON accepts string and object elements.
func (a *AddressList) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make([]string, 0, len(raw))
	for _, el := range raw {
		var s string
		if err := json.Unmarshal(el, &s); err == nil {
			out = append(out, s)
			continue
		}
		var obj struct {
			IP   string `json:"ip"`
			Port int    `json:"port"`
		}
		if err := json.Unmarshal(el, &obj); err != nil || obj.IP == "" {
			return fmt.Errorf("bad address element %s", string(el))
		}
		out = append(out, joinAddress(obj.IP, obj.Port))
	}
	*a = out
	return nil
}

// UnmarshalYAML accepts string and mapping elements.
func (a *AddressList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("nodes must be a sequence")
	}
	out := make([]string, 0, len(value.Content))
	for _, el := range value.Content {
		switch el.Kind {
		case yaml.ScalarNode:
			out = append(out, el.Value)
		case yaml.MappingNode:
			var obj struct {
				IP   string `yaml:"ip"`
				Port int    `yaml:"port"`
			}
			if err := el.Decode(&obj); err != nil || obj.IP == "" {
				return fmt.Errorf("bad address element at line %d", el.Line)
			}
			out = append(out, joinAddress(obj.IP, obj.Port))
		default:
			return fmt.Errorf("bad address element at line %d", el.Line)
		}
	}
	*a = out
	return nil
}

func joinAddress(ip string, port int) string {
	if port == 0 {
		return ip
	}
	return fmt.Sprintf("%s:%d", ip, port)
}

// Discovery configures the three peer sources. All are optional; an
// empty Discovery means the node starts alone.
type Discovery struct {
	// Service is a DNS name resolved to the IPv4 set of the peer fleet
	// (e.g. a Kubernetes headless service).
	Service string `json:"service" yaml:"service"`
	// Nodes is the static peer list.
	Nodes AddressList `json:"nodes" yaml:"nodes"`
	// Fetch is an HTTP(S) URL returning a JSON array of addresses.
	Fetch string `json:"fetch" yaml:"fetch"`
	// Timer is the discovery cadence in milliseconds.
	Timer int `json:"timer" yaml:"timer"`
}

// Config is the full node configuration.
type Config struct {
	// Namespace prefixes node identities.
	Namespace string `json:"namespace" yaml:"namespace"`
	// Port is the cluster listen port.
	Port int `json:"port" yaml:"port"`
	// Path is the WebSocket upgrade path.
	Path string `json:"path" yaml:"path"`
	// Auth is the HMAC secret for peer and publisher tokens. Empty
	// disables signing.
	Auth string `json:"auth" yaml:"auth"`
	// Discovery configures peer sources.
	Discovery Discovery `json:"discovery" yaml:"discovery"`
	// MaxReadyAfter forces readiness after this many milliseconds even
	// with no peer response. Zero declares readiness immediately.
	MaxReadyAfter int `json:"maxReadyAfter" yaml:"maxReadyAfter"`
	// HeartbeatTimer is the socket supervision cadence in milliseconds.
	HeartbeatTimer int `json:"heartbeatTimer" yaml:"heartbeatTimer"`
	// Debug raises log verbosity.
	Debug bool `json:"debug" yaml:"debug"`
}

// Default returns the baseline configuration. Port is left zero, which
// binds an ephemeral port unless a file or the environment sets one.
func Default() Config {
	return Config{
		Namespace:      DefaultNamespace,
		Path:           DefaultPath,
		MaxReadyAfter:  DefaultMaxReadyAfter,
		HeartbeatTimer: DefaultHeartbeatTimer,
		Discovery: Discovery{
			Timer: DefaultDiscoveryTimer,
		},
	}
}

// Validate fails fast on configurations the fabric cannot start with.
func (c *Config) Validate() error {
	// Port 0 binds an ephemeral port; useful for tests and single-node
	// tools, never for a discoverable fleet member.
	if c.Port < 0 || c.Port > 65535 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Namespace == "" {
		return errors.WrapFatal(errors.ErrMissingConfig, "Config", "Validate", "empty namespace")
	}
	if !strings.HasPrefix(c.Path, "/") {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("path %q must start with /", c.Path))
	}
	if c.Discovery.Timer < 0 || c.MaxReadyAfter < 0 || c.HeartbeatTimer < 0 {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate", "negative timer")
	}
	if c.Discovery.Fetch != "" &&
		!strings.HasPrefix(c.Discovery.Fetch, "http://") &&
		!strings.HasPrefix(c.Discovery.Fetch, "https://") {
		return errors.WrapFatal(errors.ErrInvalidConfig, "Config", "Validate",
			fmt.Sprintf("discovery fetch %q is not an HTTP(S) URL", c.Discovery.Fetch))
	}
	return nil
}

// DiscoveryInterval returns the discovery cadence as a duration.
func (c *Config) DiscoveryInterval() time.Duration {
	if c.Discovery.Timer <= 0 {
		return DefaultDiscoveryTimer * time.Millisecond
	}
	return time.Duration(c.Discovery.Timer) * time.Millisecond
}

// ReadyTimeout returns the readiness deadline as a duration; zero means
// don't wait.
func (c *Config) ReadyTimeout() time.Duration {
	return time.Duration(c.MaxReadyAfter) * time.Millisecond
}

// HeartbeatInterval returns the supervision cadence as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatTimer <= 0 {
		return DefaultHeartbeatTimer * time.Millisecond
	}
	return time.Duration(c.HeartbeatTimer) * time.Millisecond
}

// HasDiscovery reports whether any peer source is configured.
func (c *Config) HasDiscovery() bool {
	return c.Discovery.Service != "" || len(c.Discovery.Nodes) > 0 || c.Discovery.Fetch != ""
}

// LoadFile reads a YAML or JSON configuration file over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.WrapFatal(err, "Config", "LoadFile", fmt.Sprintf("read %s", path))
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		// Sniff: YAML is the superset, but JSON errors are clearer for
		// JSON input.
		if len(data) > 0 && data[0] == '{' {
			err = json.Unmarshal(data, &cfg)
		} else {
			err = yaml.Unmarshal(data, &cfg)
		}
	}
	if err != nil {
		return cfg, errors.WrapFatal(err, "Config", "LoadFile", fmt.Sprintf("parse %s", path))
	}
	return cfg, nil
}

// ApplyEnv overlays the CLUSTER_* environment variables onto c.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("CLUSTER_NAMESPACE"); v != "" {
		c.Namespace = v
	}
	if v := os.Getenv("CLUSTER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return errors.WrapFatal(err, "Config", "ApplyEnv", "parse CLUSTER_PORT")
		}
		c.Port = port
	}
	if v := os.Getenv("CLUSTER_AUTH"); v != "" {
		c.Auth = v
	}
	if v := os.Getenv("CLUSTER_DEBUG"); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return errors.WrapFatal(err, "Config", "ApplyEnv", "parse CLUSTER_DEBUG")
		}
		c.Debug = debug
	}
	if v := os.Getenv("CLUSTER_DISCOVERY_NODES"); v != "" {
		c.Discovery.Nodes = splitNodeList(v)
	}
	if v := os.Getenv("CLUSTER_DISCOVERY_SERVICE"); v != "" {
		c.Discovery.Service = v
	}
	if v := os.Getenv("CLUSTER_DISCOVERY_FETCH"); v != "" {
		c.Discovery.Fetch = v
	}
	return nil
}

// splitNodeList splits a comma or whitespace separated address list.
func splitNodeList(v string) AddressList {
	fields := strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	out := make(AddressList, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
