package execsim

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/execsim/pkg/config"
)

func loadDefaults(t *testing.T) *Cfg {
	t.Helper()
	var c Cfg
	_, err := config.LoadAndWatch(ServiceName, &c, config.Options{
		Paths:        []string{t.TempDir()},
		AllowMissing: true,
		Defaults:     Defaults(),
		EnvBindings:  EnvBindings(),
	})
	require.NoError(t, err)
	return &c
}

func TestDefaults_Valid(t *testing.T) {
	c := loadDefaults(t)
	require.NoError(t, c.Validate())

	assert.Equal(t, 100, c.Simulation.MinDelayMs)
	assert.Equal(t, 2000, c.Simulation.MaxDelayMs)
	assert.Equal(t, 0.1, c.Simulation.PartialFillChance)
	assert.Equal(t, 1000, c.Buffer.Capacity)
	assert.Equal(t, 800, c.HighWatermarkCount())
	assert.Equal(t, 250*time.Millisecond, c.Pipeline.PausePoll)
	assert.Equal(t, 2500*time.Millisecond, c.Nats.FetchTimeout())
	assert.Equal(t, time.Hour, c.IdempotencyTTL())
	assert.Equal(t, "decisions.order_intent", c.Nats.SubjectIntent)
}

func TestEnvBindings_LegacyNames(t *testing.T) {
	t.Setenv("NATS_URL", "nats://broker:4222")
	t.Setenv("SIMULATION_MAX_DELAY_MS", "500")
	t.Setenv("NATS_FETCH_TIMEOUT", "1.5")

	c := loadDefaults(t)
	assert.Equal(t, "nats://broker:4222", c.Nats.URL)
	assert.Equal(t, 500, c.Simulation.MaxDelayMs)
	assert.Equal(t, 1500*time.Millisecond, c.Nats.FetchTimeout())
}

func TestEnvBindings_PrefixedWins(t *testing.T) {
	t.Setenv("NATS_URL", "nats://legacy:4222")
	t.Setenv("EXEC_SIM_NATS_URL", "nats://new:4222")

	c := loadDefaults(t)
	assert.Equal(t, "nats://new:4222", c.Nats.URL)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *Cfg){
		"delay range":  func(c *Cfg) { c.Simulation.MinDelayMs = 3000 },
		"probability":  func(c *Cfg) { c.Simulation.PartialFillChance = 1.5 },
		"capacity":     func(c *Cfg) { c.Buffer.Capacity = 0 },
		"watermark":    func(c *Cfg) { c.Buffer.HighWatermark = 0 },
		"backend":      func(c *Cfg) { c.Idempotency.Backend = "etcd" },
		"subject":      func(c *Cfg) { c.Nats.SubjectFill = "" },
		"concurrency":  func(c *Cfg) { c.Pipeline.Concurrency = 0 },
		"negative bps": func(c *Cfg) { c.Simulation.MaxSlippageBps = -1 },
		"ttl":          func(c *Cfg) { c.Idempotency.TTLSec = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := loadDefaults(t)
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}
