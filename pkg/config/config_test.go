package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validConfigYAML = `
conductor_name: conductor-1
heartbeat_timeout_sec: 300
sweep_interval_sec: 60
power:
  power_cmd: ["/usr/local/bin/mk-power"]
  boot_device_cmd: ["/usr/local/bin/mk-bootdev"]
`

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return path
}

func TestLoadValidConfigAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfigFile(t, validConfigYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.ConductorName != "conductor-1" {
		t.Fatalf("expected conductor name to round-trip, got %q", cfg.ConductorName)
	}
	if cfg.APIListen != "127.0.0.1:6385" {
		t.Fatalf("expected default API listen address, got %q", cfg.APIListen)
	}
	if cfg.AgentTimeoutSec != 60 {
		t.Fatalf("expected default agent timeout, got %d", cfg.AgentTimeoutSec)
	}
	if cfg.StoreBackend != "memory" {
		t.Fatalf("expected default memory backend, got %q", cfg.StoreBackend)
	}
	if cfg.LockPrefix != "/metalkiln/nodes" {
		t.Fatalf("expected default lock prefix, got %q", cfg.LockPrefix)
	}
	if cfg.SoftPowerOffAttempts != 3 {
		t.Fatalf("expected default soft power off attempts, got %d", cfg.SoftPowerOffAttempts)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9090" {
		t.Fatalf("expected default metrics listen address, got %q", cfg.Metrics.Listen)
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := decode(strings.NewReader(validConfigYAML + "\nnot_a_real_key: true\n"))
	if err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

func TestValidateAggregatesProblems(t *testing.T) {
	_, err := decode(strings.NewReader(`
conductor_name: ""
heartbeat_timeout_sec: 300
sweep_interval_sec: 60
power: {}
`))
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	if len(verr.Problems) < 3 {
		t.Fatalf("expected aggregated problems, got %v", verr.Problems)
	}
	joined := verr.Error()
	for _, want := range []string{"conductor_name", "power.power_cmd", "power.boot_device_cmd"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected %q in %q", want, joined)
		}
	}
}

func TestValidateRejectsSweepSlowerThanTimeout(t *testing.T) {
	_, err := decode(strings.NewReader(`
conductor_name: conductor-1
heartbeat_timeout_sec: 60
sweep_interval_sec: 120
power:
  power_cmd: ["/usr/local/bin/mk-power"]
  boot_device_cmd: ["/usr/local/bin/mk-bootdev"]
`))
	if err == nil {
		t.Fatalf("expected sweep interval check to fail")
	}
	if !strings.Contains(err.Error(), "sweep_interval_sec") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEtcdBackendRequiresEndpoints(t *testing.T) {
	_, err := decode(strings.NewReader(validConfigYAML + "\nstore_backend: etcd\n"))
	if err == nil {
		t.Fatalf("expected missing endpoints to fail")
	}
	if !strings.Contains(err.Error(), "etcd_endpoints") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	_, err := decode(strings.NewReader(validConfigYAML + "\nstore_backend: dynamodb\n"))
	if err == nil {
		t.Fatalf("expected unknown backend to fail")
	}
	if !strings.Contains(err.Error(), "store_backend") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateEnabledTLSRequiresFiles(t *testing.T) {
	_, err := decode(strings.NewReader(validConfigYAML + `
store_backend: etcd
etcd_endpoints: ["127.0.0.1:2379"]
etcd_tls:
  enabled: true
`))
	if err == nil {
		t.Fatalf("expected TLS file checks to fail")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %T", err)
	}
	for _, want := range []string{"etcd_tls.ca_file", "etcd_tls.cert_file", "etcd_tls.key_file"} {
		if !strings.Contains(verr.Error(), want) {
			t.Fatalf("expected %q in %q", want, verr.Error())
		}
	}
}

func TestDisabledTLSNeedsNoFiles(t *testing.T) {
	cfg, err := decode(strings.NewReader(validConfigYAML + `
store_backend: etcd
etcd_endpoints: ["127.0.0.1:2379"]
etcd_tls:
  enabled: false
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.EtcdTLS == nil || cfg.EtcdTLS.Enabled {
		t.Fatalf("expected disabled TLS block, got %+v", cfg.EtcdTLS)
	}
}

func TestValidateMetricsListenRequiredWhenEnabled(t *testing.T) {
	_, err := decode(strings.NewReader(validConfigYAML + "\nmetrics:\n  enabled: true\n  listen: \"\"\n"))
	if err == nil {
		t.Fatalf("expected metrics listen check to fail")
	}
	if !strings.Contains(err.Error(), "metrics.listen") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := &Config{
		AgentTimeoutSec:      45,
		AgentRetryBackoffMin: 2,
		AgentRetryBackoffMax: 9,
		HeartbeatTimeoutSec:  300,
		SweepIntervalSec:     60,
		SoftPowerOffMinSec:   2,
		SoftPowerOffMaxSec:   15,
		LockTTLSec:           90,
	}

	if cfg.AgentTimeout() != 45*time.Second {
		t.Fatalf("unexpected agent timeout %s", cfg.AgentTimeout())
	}
	if min, max := cfg.AgentRetryBackoffBounds(); min != 2*time.Second || max != 9*time.Second {
		t.Fatalf("unexpected retry backoff bounds %s, %s", min, max)
	}
	if cfg.HeartbeatTimeout() != 5*time.Minute {
		t.Fatalf("unexpected heartbeat timeout %s", cfg.HeartbeatTimeout())
	}
	if cfg.SweepInterval() != time.Minute {
		t.Fatalf("unexpected sweep interval %s", cfg.SweepInterval())
	}
	if min, max := cfg.SoftPowerOffBounds(); min != 2*time.Second || max != 15*time.Second {
		t.Fatalf("unexpected soft power off bounds %s, %s", min, max)
	}
	if cfg.LockTTL() != 90*time.Second {
		t.Fatalf("unexpected lock TTL %s", cfg.LockTTL())
	}
}
