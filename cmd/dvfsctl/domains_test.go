package main

import (
	"os"
	"path/filepath"
	"testing"

	"codeberg.org/mutker/dvfsctl/internal/config"
	"codeberg.org/mutker/dvfsctl/internal/driver/gpu"
	"codeberg.org/mutker/dvfsctl/internal/driver/sim"
	"codeberg.org/mutker/dvfsctl/internal/dvfs"
	"codeberg.org/mutker/dvfsctl/internal/errors"
	"codeberg.org/mutker/dvfsctl/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopQueue struct{}

func (nopQueue) PutEvent(dvfs.Event) error  { return nil }
func (nopQueue) PostEvent(dvfs.Event) error { return nil }

func loadConfig(t *testing.T, content string) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dvfsctl.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(nil, config.WithConfigFile(path))
	require.NoError(t, err)
	return cfg
}

const simDomains = `
[[domains]]
name = "little"
retry_us = 100
round_mode = "up"
round_arg = 1000000
sustained_idx = 1
[[domains.opps]]
level = 1
frequency = 100
voltage = 800
[[domains.opps]]
level = 2
frequency = 200
voltage = 900

[[domains]]
name = "big"
retry_us = 100
alarm = false
[domains.sim]
boot_voltage = 1000
[[domains.opps]]
level = 5
frequency = 500
voltage = 1000
`

func noGPU(int, logger.Logger) (*gpu.GPU, error) {
	return nil, errors.New().New(gpu.ErrInitFailed)
}

func TestBuildSimDomains(t *testing.T) {
	cfg := loadConfig(t, simDomains)

	hw, err := buildDomains(cfg, nopQueue{}, noGPU, logger.Nop())
	require.NoError(t, err)
	defer hw.Close()

	require.Len(t, hw.domains, 2)

	little := hw.domains[0]
	assert.Equal(t, "little", little.Name)
	assert.NotNil(t, little.Alarm)
	reg, ok := little.Voltage.(*sim.Regulator)
	require.True(t, ok)
	assert.Equal(t, uint32(900), reg.Voltage(), "boots at the sustained voltage")
	assert.Equal(t, dvfs.RoundUp, little.RoundMode)
	assert.Equal(t, uint64(1_000_000), little.RoundArg)

	big := hw.domains[1]
	assert.Nil(t, big.Alarm, "alarm switched off")
	assert.Equal(t, dvfs.RoundNone, big.RoundMode)
	assert.Equal(t, uint32(1000), big.Voltage.(*sim.Regulator).Voltage())

	assert.Len(t, hw.alarms, 1)
}

func TestBuildDomainsGPUOpenFailure(t *testing.T) {
	cfg := loadConfig(t, `
[[domains]]
name = "gpu"
driver = "nvml"
[[domains.opps]]
level = 1
frequency = 1200000
voltage = 750
`)

	_, err := buildDomains(cfg, nopQueue{}, noGPU, logger.Nop())
	require.Error(t, err)
	assert.Equal(t, errors.ErrInitFailed, errors.CodeOf(err))
	assert.True(t, errors.HasCode(err, gpu.ErrInitFailed))
}

func TestLogLevel(t *testing.T) {
	assert.Equal(t, logger.DebugLevel, logLevel(config.LogLevelDebug))
	assert.Equal(t, logger.InfoLevel, logLevel(config.LogLevelInfo))
	assert.Equal(t, logger.WarnLevel, logLevel(config.LogLevelWarning))
	assert.Equal(t, logger.ErrorLevel, logLevel(config.LogLevelError))
}
