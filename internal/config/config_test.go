package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, ":8080", cfg.Server.Addr())
	assert.Equal(t, "public/model_js/model.json", cfg.Model.Path)
	assert.Equal(t, BackendLayers, cfg.Model.Backend)
	assert.Equal(t, 224, cfg.Model.ImageSize)
	assert.Equal(t, "uploads", cfg.Upload.Dir)
	assert.Equal(t, int64(10<<20), cfg.Upload.MaxBytes)
	assert.Equal(t, 30*time.Second, cfg.Inference.Timeout)
	assert.Positive(t, cfg.Inference.MaxConcurrent)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "3000")
	t.Setenv("DEFECT_MODEL_PATH", "/models/model.json")
	t.Setenv("DEFECT_INFERENCE_TIMEOUT", "5s")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "/models/model.json", cfg.Model.Path)
	assert.Equal(t, 5*time.Second, cfg.Inference.Timeout)
}

func TestLoadFlagsAndFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
model:
  path: from-file.json
upload:
  dir: /tmp/uploads
inference:
  max_concurrent: 2
`), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--config", file, "--model-path", "from-flag.json", "--port", "9090"}))

	cfg, err := Load(fs)
	require.NoError(t, err)
	assert.Equal(t, "from-flag.json", cfg.Model.Path)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "/tmp/uploads", cfg.Upload.Dir)
	assert.Equal(t, 2, cfg.Inference.MaxConcurrent)
}

func TestValidateRejectsBadValues(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--backend", "tflite"}))

	_, err := Load(fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model.backend")

	cfg := &Config{}
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "upload.dir")
}
