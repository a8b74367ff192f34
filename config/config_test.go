package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mbocsi/relay/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "0.0.0.0:8090", cfg.HTTP.Addr)
	assert.True(t, cfg.HTTP.Dashboard)
	assert.Equal(t, "0.0.0.0:41234", cfg.UDP.Addr)
	assert.Equal(t, 60*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, proto.DefaultTags(), cfg.Tags.Tags())
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: bench
http:
  addr: 127.0.0.1:9000
backbone:
  type: memory
  dial_timeout: 2s
udp:
  addr: 127.0.0.1:5000
  max_rate: 50
  peers: ["127.0.0.1:6000"]
tags:
  to_client: down
heartbeat:
  interval: 15s
state:
  watch: [loc-a]
log:
  level: info
  format: text
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "bench", cfg.Name)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, 256, cfg.HTTP.MaxSessions, "unset keys keep their defaults")
	assert.Equal(t, BackboneMemory, cfg.Backbone.Type)
	assert.Equal(t, 2*time.Second, cfg.Backbone.DialTimeout)
	assert.Equal(t, 50.0, cfg.UDP.MaxRate)
	assert.Equal(t, []string{"127.0.0.1:6000"}, cfg.UDP.Peers)
	assert.Equal(t, "ub.model-uk.tower-bridge", cfg.UDP.SourceLocation)
	assert.Equal(t, proto.Tag("down"), cfg.Tags.Tags().ToClient)
	assert.Equal(t, proto.TagFromSensor, cfg.Tags.Tags().FromSensor)
	assert.Equal(t, 15*time.Second, cfg.Heartbeat.Interval)
	assert.Equal(t, []string{"loc-a"}, cfg.State.Watch)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "http: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.HTTP.Addr = "nope"
	cfg.Backbone.Type = "kafka"
	cfg.UDP.SourceLocation = ""
	cfg.Tags.FromClient = "a|b"
	cfg.Tags.FromSensor = cfg.Tags.ToClient
	cfg.Heartbeat.Interval = 0
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		"http.addr",
		"backbone.type",
		"udp.source_location",
		"tags.from_client must not contain",
		"tags.from_sensor duplicates tags.to_client",
		"heartbeat.interval",
		"log.level",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	cfg := Default()
	cfg.Backbone.Addr = ""
	assert.ErrorContains(t, cfg.Validate(), "backbone.addr")

	cfg.Backbone.Type = BackboneMemory
	assert.NoError(t, cfg.Validate())
}

func TestLogConfig_NewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)

	logger.Info("hidden")
	logger.Warn("Subscribing", "topic", "toClient|loc-1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Subscribing", entry["msg"])
	assert.Equal(t, "toClient|loc-1", entry["topic"])
}

func TestParseLevel(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "warning", "error", "INFO", ""} {
		_, err := ParseLevel(level)
		assert.NoError(t, err, level)
	}
	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}
