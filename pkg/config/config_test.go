package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleCfg struct {
	Name string `mapstructure:"name"`
	Sim  struct {
		MinDelayMs int     `mapstructure:"min_delay_ms"`
		Chance     float64 `mapstructure:"partial_fill_chance"`
	} `mapstructure:"simulation"`
}

func TestLoadAndWatch_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv("SIMULATION_MIN_DELAY_MS", "250")

	var cfg sampleCfg
	_, err := LoadAndWatch("cfg-test-missing", &cfg, Options{
		Paths:        []string{t.TempDir()},
		AllowMissing: true,
		Defaults: map[string]interface{}{
			"name":                           "exec-sim",
			"simulation.min_delay_ms":        100,
			"simulation.partial_fill_chance": 0.1,
		},
		EnvBindings: map[string]string{"simulation.min_delay_ms": "SIMULATION_MIN_DELAY_MS"},
	})
	require.NoError(t, err)
	assert.Equal(t, "exec-sim", cfg.Name)
	assert.Equal(t, 250, cfg.Sim.MinDelayMs)
	assert.Equal(t, 0.1, cfg.Sim.Chance)
}

func TestLoadAndWatch_MissingFileIsErrorByDefault(t *testing.T) {
	var cfg sampleCfg
	_, err := LoadAndWatch("cfg-test-missing", &cfg, Options{Paths: []string{t.TempDir()}})
	assert.Error(t, err)
}

func TestLoadAndWatch_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := "name: from-file\nsimulation:\n  partial_fill_chance: 0.5\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg-test-file.yaml"), []byte(yaml), 0o644))

	var cfg sampleCfg
	_, err := LoadAndWatch("cfg-test-file", &cfg, Options{
		Paths:    []string{dir},
		Defaults: map[string]interface{}{"simulation.min_delay_ms": 100},
	})
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Name)
	assert.Equal(t, 0.5, cfg.Sim.Chance)
	assert.Equal(t, 100, cfg.Sim.MinDelayMs)
}

func TestApplyChange_ReloadLeavesOutUntouched(t *testing.T) {
	v := viper.New()
	v.Set("name", "exec-sim")
	v.Set("simulation.min_delay_ms", 300)

	cfg := sampleCfg{Name: "running"}
	var fresh sampleCfg
	applyChange("cfg-test", v, &cfg, Options{Reload: func(v *viper.Viper) {
		require.NoError(t, v.Unmarshal(&fresh))
	}})

	assert.Equal(t, "running", cfg.Name)
	assert.Equal(t, "exec-sim", fresh.Name)
	assert.Equal(t, 300, fresh.Sim.MinDelayMs)
}

func TestApplyChange_InPlaceCallsOnChange(t *testing.T) {
	v := viper.New()
	v.Set("name", "reloaded")

	var cfg sampleCfg
	called := false
	applyChange("cfg-test", v, &cfg, Options{OnChange: func() { called = true }})

	assert.Equal(t, "reloaded", cfg.Name)
	assert.True(t, called)
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "EXEC_SIM", envPrefix("exec-sim"))
}
