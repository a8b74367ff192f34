// Package config loads the relay's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mbocsi/relay/proto"
	"gopkg.in/yaml.v3"
)

const (
	BackboneRedis  = "redis"
	BackboneMemory = "memory"
)

type Config struct {
	Name      string          `yaml:"name"`
	HTTP      HTTPConfig      `yaml:"http"`
	Backbone  BackboneConfig  `yaml:"backbone"`
	UDP       UDPConfig       `yaml:"udp"`
	Tags      TagsConfig      `yaml:"tags"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	State     StateConfig     `yaml:"state"`
	Log       LogConfig       `yaml:"log"`
	MDNS      MDNSConfig      `yaml:"mdns"`
	MCP       MCPConfig       `yaml:"mcp"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MaxSessions int    `yaml:"max_sessions"`
	Dashboard   bool   `yaml:"dashboard"`
}

type BackboneConfig struct {
	Type        string        `yaml:"type"`
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

type UDPConfig struct {
	Addr           string   `yaml:"addr"`
	SourceLocation string   `yaml:"source_location"`
	SourceAddr     string   `yaml:"source_addr"`
	MaxRate        float64  `yaml:"max_rate"`
	Peers          []string `yaml:"peers"`
}

type TagsConfig struct {
	ToClient   string `yaml:"to_client"`
	FromClient string `yaml:"from_client"`
	FromSensor string `yaml:"from_sensor"`
}

// Tags converts the configured strings into topic tags.
func (c TagsConfig) Tags() proto.Tags {
	return proto.Tags{
		ToClient:   proto.Tag(c.ToClient),
		FromClient: proto.Tag(c.FromClient),
		FromSensor: proto.Tag(c.FromSensor),
	}
}

type HeartbeatConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type StateConfig struct {
	Watch []string `yaml:"watch"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MDNSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Service string `yaml:"service"`
}

type MCPConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		Name: "data-stream",
		HTTP: HTTPConfig{Addr: "0.0.0.0:8090", MaxSessions: 256, Dashboard: true},
		Backbone: BackboneConfig{
			Type:        BackboneRedis,
			Addr:        "localhost:6379",
			DialTimeout: 5 * time.Second,
		},
		UDP: UDPConfig{
			Addr:           "0.0.0.0:41234",
			SourceLocation: "ub.model-uk.tower-bridge",
		},
		Tags: TagsConfig{
			ToClient:   string(proto.TagToClient),
			FromClient: string(proto.TagFromClient),
			FromSensor: string(proto.TagFromSensor),
		},
		Heartbeat: HeartbeatConfig{Interval: 60 * time.Second},
		State:     StateConfig{Watch: []string{"ub.model-uk.tower-bridge", "ub.model-uk.controller"}},
		Log:       LogConfig{Level: "debug", Format: "json"},
		MDNS:      MDNSConfig{Service: "_relay-ws._tcp"},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %q: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.HTTP.Addr); err != nil {
		errs = append(errs, fmt.Errorf("http.addr: %w", err))
	}
	if c.HTTP.MaxSessions <= 0 {
		errs = append(errs, errors.New("http.max_sessions must be positive"))
	}

	switch c.Backbone.Type {
	case BackboneRedis:
		if c.Backbone.Addr == "" {
			errs = append(errs, errors.New("backbone.addr is required for redis"))
		}
	case BackboneMemory:
	default:
		errs = append(errs, fmt.Errorf("backbone.type %q is not one of redis, memory", c.Backbone.Type))
	}
	if c.Backbone.DialTimeout < 0 {
		errs = append(errs, errors.New("backbone.dial_timeout must not be negative"))
	}

	if _, _, err := net.SplitHostPort(c.UDP.Addr); err != nil {
		errs = append(errs, fmt.Errorf("udp.addr: %w", err))
	}
	if c.UDP.SourceLocation == "" {
		errs = append(errs, errors.New("udp.source_location is required"))
	}
	if c.UDP.MaxRate < 0 {
		errs = append(errs, errors.New("udp.max_rate must not be negative"))
	}
	for _, peer := range c.UDP.Peers {
		if _, _, err := net.SplitHostPort(peer); err != nil {
			errs = append(errs, fmt.Errorf("udp.peers %q: %w", peer, err))
		}
	}

	errs = append(errs, c.Tags.validate())

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	return errors.Join(errs...)
}

func (c TagsConfig) validate() error {
	var errs []error
	seen := make(map[string]string)
	for _, tag := range []struct{ key, value string }{
		{"tags.to_client", c.ToClient},
		{"tags.from_client", c.FromClient},
		{"tags.from_sensor", c.FromSensor},
	} {
		switch {
		case tag.value == "":
			errs = append(errs, fmt.Errorf("%s is required", tag.key))
		case strings.Contains(tag.value, proto.TopicDelimiter):
			errs = append(errs, fmt.Errorf("%s must not contain %q", tag.key, proto.TopicDelimiter))
		case seen[tag.value] != "":
			errs = append(errs, fmt.Errorf("%s duplicates %s", tag.key, seen[tag.value]))
		default:
			seen[tag.value] = tag.key
		}
	}
	return errors.Join(errs...)
}
