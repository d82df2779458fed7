package engineconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]string{"dashbuffer"})
	require.NoError(t, err)
	assert.Equal(t, Defaults.WantedBufferAheadS, cfg.WantedBufferAheadS)
	assert.Equal(t, "seamless", cfg.ManualBitrateSwitchingMode)
	assert.Equal(t, Defaults.MaxRetry, cfg.MaxRetry)
}

func TestLoadCommandLineOverridesDefault(t *testing.T) {
	cfg, err := Load([]string{"dashbuffer", "--wantedbufferaheads=12.5", "--manualbitrateswitchingmode=direct"})
	require.NoError(t, err)
	assert.Equal(t, 12.5, cfg.WantedBufferAheadS)
	assert.Equal(t, "direct", cfg.ManualBitrateSwitchingMode)
}

func TestLoadRejectsUnknownFlag(t *testing.T) {
	_, err := Load([]string{"dashbuffer", "--not-a-real-flag"})
	assert.Error(t, err)
}
