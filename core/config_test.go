package core

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "conductor", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "round_robin", cfg.Dispatch.Balancer)
	assert.Equal(t, 3, cfg.Health.FailuresToUnhealthy)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Port = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

func TestValidateRequiresRedisURLWhenEventBusEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EventBus.Enabled = true
	cfg.EventBus.RedisURL = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingConfiguration)
}

func TestValidateRequiresTelemetryEndpointWhenEnabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Telemetry.Enabled = true
	cfg.Telemetry.Endpoint = ""
	assert.ErrorIs(t, cfg.Validate(), ErrMissingConfiguration)
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("CONDUCTOR_PORT", "9090")
	t.Setenv("CONDUCTOR_DISPATCH_MAX_RETRIES", "7")
	t.Setenv("CONDUCTOR_BREAKER_SLEEP_WINDOW", "45s")
	t.Setenv("CONDUCTOR_DEV_MODE", "")

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromEnv())

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 7, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Breaker.SleepWindow)
}

func TestFunctionalOptionsOverrideEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_PORT", "9090")

	cfg, err := NewConfig(WithPort(9191), WithName("custom-conductor"))
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Port)
	assert.Equal(t, "custom-conductor", cfg.Name)
}

func TestWithPortRejectsOutOfRange(t *testing.T) {
	_, err := NewConfig(WithPort(70000))
	assert.Error(t, err)
}

func TestWithBreakerDefaultsAppliesToConfig(t *testing.T) {
	cfg, err := NewConfig(WithBreakerDefaults(10, 20*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 20*time.Second, cfg.Breaker.SleepWindow)
}

func TestWithEventBusEnablesAndSetsURL(t *testing.T) {
	cfg, err := NewConfig(WithEventBus("redis://localhost:6379/0"))
	require.NoError(t, err)
	assert.True(t, cfg.EventBus.Enabled)
	assert.Equal(t, "redis://localhost:6379/0", cfg.EventBus.RedisURL)
}

func TestWithTelemetryDefaultsServiceNameFromServiceName(t *testing.T) {
	cfg, err := NewConfig(WithName("svc-a"), WithTelemetry(true, "collector:4317"))
	require.NoError(t, err)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "collector:4317", cfg.Telemetry.Endpoint)
	assert.Equal(t, "svc-a", cfg.Telemetry.ServiceName)
}

func TestLoadFromFileRejectsUnsupportedExtension(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "cfg-*.toml")
	require.NoError(t, err)
	defer f.Close()

	cfg := DefaultConfig()
	assert.ErrorIs(t, cfg.LoadFromFile(f.Name()), ErrInvalidConfiguration)
}

func TestLoadFromFileParsesYAML(t *testing.T) {
	path := t.TempDir() + "/cfg.yaml"
	require.NoError(t, os.WriteFile(path, []byte("name: yaml-conductor\nport: 9999\n"), 0o600))

	cfg := DefaultConfig()
	require.NoError(t, cfg.LoadFromFile(path))
	assert.Equal(t, "yaml-conductor", cfg.Name)
	assert.Equal(t, 9999, cfg.Port)
}

func TestParseStringListTrimsAndSkipsEmpty(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, parseStringList(" a, b ,,c"))
}

func TestParseBoolRecognizesCommonForms(t *testing.T) {
	for _, v := range []string{"true", "1", "yes", "on", "TRUE"} {
		assert.Truef(t, parseBool(v), "expected %q to parse true", v)
	}
	for _, v := range []string{"false", "0", "", "no"} {
		assert.Falsef(t, parseBool(v), "expected %q to parse false", v)
	}
}
