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
	path := filepath.Join(t.TempDir(), "boot-sequencer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
targetRoot: /newroot
stateFSType: xfs
deviceWait: 30s
bootEvidence: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/newroot", cfg.TargetRoot)
	require.Equal(t, "xfs", cfg.StateFSType)
	require.Equal(t, 30*time.Second, cfg.DeviceWait)
	require.True(t, cfg.BootEvidence)

	// untouched keys keep their defaults
	require.Equal(t, "rootfs_hash", cfg.HashPartLabel)
	require.Equal(t, 5*time.Minute, cfg.StepTimeout)
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	_, err := Load(writeConfig(t, "targetRoot: /sysroot\nrootHash: abc\n"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty init", func(c *Config) { c.Init = "" }},
		{"relative target", func(c *Config) { c.TargetRoot = "sysroot" }},
		{"target is slash", func(c *Config) { c.TargetRoot = "/" }},
		{"absolute var dir", func(c *Config) { c.VarDir = "/var" }},
		{"same mapper names", func(c *Config) { c.StateMapperName = c.VerityMapperName }},
		{"negative wait", func(c *Config) { c.DeviceWait = -time.Second }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
