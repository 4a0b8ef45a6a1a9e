package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const minimalOTAA = `
device:
  activation: OTAA
  dev_eui: "0011223344556677"
  join_eui: "70b3d57ed0000001"
  app_key: "2b7e151628aed2a6abf7158809cf4f3c"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalOTAA))
	require.NoError(t, err)

	require.Equal(t, "lorawan-node-agent", cfg.Agent.Name)
	require.Equal(t, "EU868", cfg.MAC.Region)
	require.Equal(t, "A", cfg.MAC.Class)
	require.Equal(t, uint8(2), cfg.MAC.Port)
	require.Equal(t, uint8(5), cfg.MAC.Retries)
	require.NotNil(t, cfg.MAC.PublicNetwork)
	require.True(t, *cfg.MAC.PublicNetwork)
	require.Equal(t, 60*time.Second, cfg.Uplink.Interval)
	require.Equal(t, 8090, cfg.API.Port)
	require.Equal(t, "info", cfg.Log.Level)
	require.Equal(t, 3*time.Second, cfg.Simulation.RXWindowSpan)

	eui, err := cfg.DevEUI()
	require.NoError(t, err)
	require.Equal(t, "0011223344556677", eui.String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("NATS_URL", "nats://override:4222")
	t.Setenv("DEV_EUI", "ffeeddccbbaa9988")

	cfg, err := Load(writeConfig(t, minimalOTAA+`
log:
  level: warn
nats:
  url: nats://file:4222
`))
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "nats://override:4222", cfg.NATS.URL)
	require.Equal(t, "ffeeddccbbaa9988", cfg.Device.DevEUI)
}

func TestLoadABPRequiresSessionKeys(t *testing.T) {
	_, err := Load(writeConfig(t, `
device:
  activation: ABP
  dev_addr: "26011442"
  nwk_s_key: "aa000000000000000000000000000001"
`))
	require.Error(t, err)

	cfg, err := Load(writeConfig(t, `
device:
  activation: ABP
  dev_addr: "26011442"
  nwk_s_key: "aa000000000000000000000000000001"
  app_s_key: "bb000000000000000000000000000002"
`))
	require.NoError(t, err)

	addr, err := cfg.DevAddr()
	require.NoError(t, err)
	require.Equal(t, "26011442", addr.String())
}

func TestLoadRejectsBadValues(t *testing.T) {
	_, err := Load(writeConfig(t, `
device:
  activation: MAGIC
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, minimalOTAA+`
mac:
  region: MARS
`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, minimalOTAA+`
api:
  enabled: true
`))
	require.ErrorContains(t, err, "jwt secret")
}
