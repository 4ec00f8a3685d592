package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gopherex.com/execsim/internal/execsim"
	"gopherex.com/execsim/internal/execsim/simulator"
)

func newReloadApp(t *testing.T) (*App, *simulator.Simulator) {
	t.Helper()
	cfg := &execsim.Cfg{Version: "1.0.0", HTTP: execsim.HTTP{Port: 8080}}
	cfg.Simulation = execsim.Simulation{MinDelayMs: 10, MaxDelayMs: 20, PartialFillChance: 0.1}

	sim, err := simulator.New(simConfig(cfg.Simulation), simulator.NewRand(1), nil)
	require.NoError(t, err)
	app := &App{cfg: cfg}
	app.sim.Store(sim)
	return app, sim
}

func viperWith(kv map[string]interface{}) *viper.Viper {
	v := viper.New()
	for k, val := range execsim.Defaults() {
		v.SetDefault(k, val)
	}
	for k, val := range kv {
		v.Set(k, val)
	}
	return v
}

func TestApplyReload_UpdatesSimulatorOnly(t *testing.T) {
	app, sim := newReloadApp(t)
	before := *app.cfg

	app.applyReload(viperWith(map[string]interface{}{
		"version":                        "9.9.9",
		"http.port":                      9999,
		"simulation.min_delay_ms":        50,
		"simulation.max_delay_ms":        80,
		"simulation.partial_fill_chance": 0.5,
	}))

	got := sim.Config()
	assert.Equal(t, 50, got.MinDelayMs)
	assert.Equal(t, 80, got.MaxDelayMs)
	assert.Equal(t, 0.5, got.PartialFillChance)

	// 运行中的 cfg 不被 watcher 改写
	assert.Equal(t, before, *app.cfg)
	assert.Equal(t, "1.0.0", app.cfg.Version)
	assert.Equal(t, 8080, app.cfg.HTTP.Port)
}

func TestApplyReload_InvalidSimulationKeepsOld(t *testing.T) {
	app, sim := newReloadApp(t)
	old := sim.Config()

	app.applyReload(viperWith(map[string]interface{}{
		"simulation.min_delay_ms": 100,
		"simulation.max_delay_ms": 10,
	}))

	assert.Equal(t, old, sim.Config())
}

func TestApplyReload_BeforeStartIsNoop(t *testing.T) {
	app := &App{cfg: &execsim.Cfg{}}
	assert.NotPanics(t, func() {
		app.applyReload(viperWith(nil))
	})
}

func TestGoDone_ClosesOnReturnAndPanic(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	blocking := goDone(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	})
	failing := goDone(context.Background(), func(ctx context.Context) error {
		return errors.New("loop broke")
	})
	panicking := goDone(context.Background(), func(ctx context.Context) error {
		panic("publisher died")
	})

	for name, done := range map[string]<-chan struct{}{"failing": failing, "panicking": panicking} {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: done not closed", name)
		}
	}

	select {
	case <-blocking:
		t.Fatal("closed before ctx cancel")
	default:
	}
	cancel()
	select {
	case <-blocking:
	case <-time.After(2 * time.Second):
		t.Fatal("done not closed after cancel")
	}
}
