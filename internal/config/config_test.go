package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/deploymenttheory/twrp-evacuate/internal/utils/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "twrp-evacuate.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""), nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultOutputDir, cfg.Output.Dir)
	assert.Equal(t, LayoutTree, cfg.Output.Layout)
	assert.Equal(t, "gzip", cfg.Output.Compression)
	assert.Equal(t, "sha256", cfg.Output.Digest)
	assert.False(t, cfg.Output.Verify)
	assert.True(t, cfg.Extract.SkipCache)
	assert.True(t, cfg.Extract.APKs)
	assert.Equal(t, "arm64-v8a", cfg.Extract.CPUArch)
	assert.Positive(t, cfg.Extract.Workers)
	assert.Equal(t, "human", cfg.LogFormat)
	assert.NoError(t, cfg.Validate())
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
output:
  dir: /srv/migrated
  layout: neobackup
  compression: xz
  verify: true
extract:
  workers: 2
  skip_cache: false
  packages:
    - com.example.*
    - org.fdroid.fdroid
`)
	t.Setenv("TWRP_EVACUATE_OUTPUT_COMPRESSION", "bzip2")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("workers", 0, "")
	flags.String("digest", "sha256", "")
	require.NoError(t, flags.Parse([]string{"--workers=6"}))

	cfg, err := Load(path, flags)
	require.NoError(t, err)

	assert.Equal(t, "/srv/migrated", cfg.Output.Dir)
	assert.Equal(t, LayoutNeoBackup, cfg.Output.Layout)
	assert.Equal(t, "bzip2", cfg.Output.Compression, "environment beats file")
	assert.Equal(t, 6, cfg.Extract.Workers, "changed flag beats file")
	assert.Equal(t, "sha256", cfg.Output.Digest, "unchanged flag keeps default")
	assert.True(t, cfg.Output.Verify)
	assert.False(t, cfg.Extract.SkipCache)
	assert.Equal(t, []string{"com.example.*", "org.fdroid.fdroid"}, cfg.Extract.Packages)
	assert.NoError(t, cfg.Validate())
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	_, err := Load(writeConfig(t, "output: [unterminated"), nil)
	assert.ErrorIs(t, err, apperrors.ErrConfigParseError)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{name: "layout", mutate: func(c *AppConfig) { c.Output.Layout = "zip" }},
		{name: "compression", mutate: func(c *AppConfig) { c.Output.Compression = "zstd" }},
		{name: "digest", mutate: func(c *AppConfig) { c.Output.Digest = "crc32" }},
		{name: "workers", mutate: func(c *AppConfig) { c.Extract.Workers = -1 }},
		{name: "output dir", mutate: func(c *AppConfig) { c.Output.Dir = "" }},
		{name: "log format", mutate: func(c *AppConfig) { c.LogFormat = "xml" }},
		{name: "package pattern", mutate: func(c *AppConfig) { c.Extract.Packages = []string{"com.[example"} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, ""), nil)
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), apperrors.ErrConfigInvalid)
		})
	}
}
