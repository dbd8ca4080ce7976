package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/darrenoakey/newsfeed-pipeline/internal/secrets"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", &secrets.CompositeResolver{})
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, 8089, cfg.HTTPPort)
	assert.Equal(t, 300*time.Second, cfg.MinInterval)
	assert.Equal(t, 14400*time.Second, cfg.MaxInterval)
	assert.Equal(t, 8.0, cfg.PublishThreshold)
	assert.Equal(t, "Curated News Feed", cfg.ExportTitle)
	assert.Equal(t, 8.0, cfg.ExportMinScore)
	assert.Equal(t, 50, cfg.ExportLimit)
}

func TestLoadExportEnvOverrides(t *testing.T) {
	t.Setenv("EXPORT_TITLE", "My Feed")
	t.Setenv("EXPORT_MIN_SCORE", "5.5")
	t.Setenv("EXPORT_LIMIT", "20")

	cfg, err := Load("", &secrets.CompositeResolver{})
	require.NoError(t, err)

	assert.Equal(t, "My Feed", cfg.ExportTitle)
	assert.Equal(t, 5.5, cfg.ExportMinScore)
	assert.Equal(t, 20, cfg.ExportLimit)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("PUBLISH_THRESHOLD", "6.5")
	t.Setenv("MIN_INTERVAL", "120")

	cfg, err := Load("", &secrets.CompositeResolver{})
	require.NoError(t, err)

	assert.Equal(t, "mongo", cfg.StoreDriver)
	assert.Equal(t, 9090, cfg.HTTPPort)
	assert.Equal(t, 6.5, cfg.PublishThreshold)
	assert.Equal(t, 120*time.Second, cfg.MinInterval)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/config.toml"
	contents := `
store_driver = "sqlite"
http_port = 7070
publish_threshold = 4.2
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path, &secrets.CompositeResolver{})
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.HTTPPort)
	assert.Equal(t, 4.2, cfg.PublishThreshold)
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	t.Setenv("RANKER_TOKEN", "awssm://ranker/token")

	resolver := &secrets.CompositeResolver{AWS: fakeResolver{"resolved-token"}}
	cfg, err := Load("", resolver)
	require.NoError(t, err)

	assert.Equal(t, "resolved-token", cfg.RankerToken)
}

func TestLoadMissingSecretBackendIsFatal(t *testing.T) {
	t.Setenv("WEBHOOK_URL", "vault://secret/webhook#url")

	_, err := Load("", &secrets.CompositeResolver{})
	require.Error(t, err)
}

type fakeResolver struct {
	value string
}

func (f fakeResolver) Resolve(ctx context.Context, ref string) (string, error) {
	return f.value, nil
}
